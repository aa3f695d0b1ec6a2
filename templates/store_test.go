package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(config.TemplatesConfig{}, nil, nil)
}

func userTemplate(name string, priority int) *Template {
	off, length := 0, 8
	return &Template{
		TemplateName: name,
		DisplayName:  name,
		Manufacturer: "test",
		Version:      "1.0.0",
		Priority:     priority,
		Fields: []Field{
			{Name: "weight", Offset: &off, Length: &length, Type: FieldNumeric, Required: true},
		},
		IsActive: true,
	}
}

func TestSeedLoadsBuiltinCatalog(t *testing.T) {
	store := newTestStore(t)
	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 6)

	names := map[string]bool{}
	for _, tmpl := range list {
		names[tmpl.TemplateName] = true
		assert.True(t, tmpl.IsBuiltin)
		require.NoError(t, tmpl.Validate())
	}
	for _, want := range []string{
		"mettler_toledo_standard", "mettler_toledo_sics", "sartorius_standard",
		"and_fx_fz", "ohaus_ranger", "avery_weightronix",
	} {
		assert.True(t, names[want], "missing builtin %s", want)
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, models.ErrTemplateNotFound)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	in := userTemplate("custom_scale", 40)
	in.Commands = Commands{RequestWeight: "P\r\n", Extra: map[string]string{"tare": "T\r\n"}}
	in.SupportedBaudRates = []int{9600, 19200}
	in.Tags = map[string]string{"site": "plant-7"}
	require.NoError(t, store.Save(in))

	out, err := store.Get("custom_scale")
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, in.TemplateName, out.TemplateName)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, in.Commands, out.Commands)
	assert.Equal(t, in.SupportedBaudRates, out.SupportedBaudRates)
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, "ascii", out.Framing.Encoding)
	assert.Equal(t, "\r\n", out.Framing.Delimiter)
	assert.False(t, out.CreatedAt.IsZero())
}

func TestSaveRejectsBuiltinOverwrite(t *testing.T) {
	store := newTestStore(t)
	imposter := userTemplate("mettler_toledo_standard", 99)
	err := store.Save(imposter)
	assert.ErrorIs(t, err, models.ErrBuiltinImmutable)
}

func TestDeleteBuiltinForbidden(t *testing.T) {
	store := newTestStore(t)
	err := store.Delete("mettler_toledo_sics")
	assert.ErrorIs(t, err, models.ErrBuiltinImmutable)

	require.NoError(t, store.Save(userTemplate("deleteme", 10)))
	require.NoError(t, store.Delete("deleteme"))
	_, err = store.Get("deleteme")
	assert.Error(t, err)
}

func TestSaveInvalidTemplate(t *testing.T) {
	store := newTestStore(t)
	bad := userTemplate("bad", 0) // priority outside [1,100]
	err := store.Save(bad)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestBumpUsage(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(userTemplate("bump", 10)))

	require.NoError(t, store.BumpUsage("bump", true))
	got, err := store.Get("bump")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.Equal(t, 100.0, got.SuccessRate)
	require.NotNil(t, got.LastUsedAt)

	require.NoError(t, store.BumpUsage("bump", false))
	got, err = store.Get("bump")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.InDelta(t, 80.0, got.SuccessRate, 1e-9)

	err = store.BumpUsage("absent", true)
	assert.Error(t, err)
}

func TestListOrdersByEffectivePriority(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(userTemplate("low", 5)))
	require.NoError(t, store.Save(userTemplate("high", 99)))
	// Usage boosts low's effective priority but not past high.
	require.NoError(t, store.BumpUsage("low", true))

	list, err := store.List()
	require.NoError(t, err)
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t,
			list[i-1].EffectivePriority(), list[i].EffectivePriority(),
			"list must be sorted descending")
	}
}

func TestListTieBreakIsStable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(userTemplate("tie_b", 42)))
	require.NoError(t, store.Save(userTemplate("tie_a", 42)))

	for i := 0; i < 3; i++ {
		list, err := store.List()
		require.NoError(t, err)
		posA, posB := -1, -1
		for idx, tmpl := range list {
			switch tmpl.TemplateName {
			case "tie_a":
				posA = idx
			case "tie_b":
				posB = idx
			}
		}
		require.GreaterOrEqual(t, posA, 0)
		require.GreaterOrEqual(t, posB, 0)
		assert.Less(t, posA, posB, "equal priority resolves by name, consistently")
	}
}

func TestEffectivePriorityFormula(t *testing.T) {
	tmpl := userTemplate("f", 50)
	tmpl.SuccessRate = 90
	tmpl.UsageCount = 99
	// 50 + 90*0.3 + log10(100)*10 = 50 + 27 + 20
	assert.InDelta(t, 97.0, tmpl.EffectivePriority(), 1e-9)

	tmpl.UsageCount = 1_000_000
	// usage boost caps at 20
	assert.InDelta(t, 97.0, tmpl.EffectivePriority(), 1e-9)
}

func TestStoreClonesOnRead(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(userTemplate("iso", 10)))
	a, err := store.Get("iso")
	require.NoError(t, err)
	a.Priority = 77
	b, err := store.Get("iso")
	require.NoError(t, err)
	assert.Equal(t, 10, b.Priority, "mutating a returned template must not affect the store")
}

func TestFilePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &FilePersistence{Dir: dir}
	tmpl := userTemplate("persisted", 30)
	tmpl.ID = "fixed-id"
	require.NoError(t, p.Persist(tmpl))

	loaded, err := p.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "persisted", loaded[0].TemplateName)
	assert.Equal(t, "fixed-id", loaded[0].ID)

	require.NoError(t, p.Remove("persisted"))
	loaded, err = p.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
	require.NoError(t, p.Remove("persisted"), "removing an absent template is not an error")
}

func TestBuiltinUsageStatsSurviveReseed(t *testing.T) {
	dir := t.TempDir()
	first := NewStore(config.TemplatesConfig{}, &FilePersistence{Dir: dir}, nil)
	require.NoError(t, first.BumpUsage("mettler_toledo_standard", true))

	second := NewStore(config.TemplatesConfig{}, &FilePersistence{Dir: dir}, nil)
	got, err := second.Get("mettler_toledo_standard")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.True(t, got.IsBuiltin, "persisted stats must not demote the builtin")
}

func TestCodecRoundTrip(t *testing.T) {
	orig := BuiltinTemplates()[0]
	data, err := Encode(orig)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, orig.TemplateName, back.TemplateName)
	assert.Equal(t, orig.Communication, back.Communication)
	assert.Equal(t, orig.Commands, back.Commands)
	assert.Equal(t, orig.Framing, back.Framing)
	assert.Equal(t, orig.Fields, back.Fields)
	assert.Equal(t, orig.ResponsePatterns, back.ResponsePatterns)
	assert.Equal(t, orig.ErrorHandling, back.ErrorHandling)
	assert.Equal(t, orig.Priority, back.Priority)
	assert.Equal(t, orig.ConfidenceThreshold, back.ConfidenceThreshold)
	assert.Equal(t, orig.SupportedBaudRates, back.SupportedBaudRates)
	assert.Equal(t, orig.IsBuiltin, back.IsBuiltin)
}

func TestDecodeRejectsBadRegex(t *testing.T) {
	data := []byte(`{"template_name":"x","priority":10,"fields":[{"name":"w","regex":"([","type":"numeric","required":true}]}`)
	_, err := Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad regex")
}
