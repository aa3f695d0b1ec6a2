package discovery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/templates"
)

func builtinByName(t *testing.T, name string) *templates.Template {
	t.Helper()
	for _, tmpl := range templates.BuiltinTemplates() {
		if tmpl.TemplateName == name {
			return tmpl
		}
	}
	t.Fatalf("builtin %s not found", name)
	return nil
}

// mettlerFrames reproduces a stable Mettler-Toledo continuous stream with
// small weight jitter and an occasional dynamic status.
func mettlerFrames(n int) []models.Frame {
	frames := make([]models.Frame, 0, n)
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		status := byte('S')
		if i%10 == 9 {
			status = 'D'
		}
		weight := 12.345 + float64(i%11-5)*0.001
		payload := fmt.Sprintf("\x02%c %9.3f kg \x03\r\n", status, weight)
		frames = append(frames, models.Frame{
			Bytes:     []byte(payload),
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Valid:     true,
		})
	}
	return frames
}

func csvFrames(n int) []models.Frame {
	frames := make([]models.Frame, 0, n)
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		frames = append(frames, models.Frame{
			Bytes:     []byte("ST,GS,+00123.5,kg\r\n"),
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Valid:     true,
		})
	}
	return frames
}

func TestConfidenceEqualsWeightedFormula(t *testing.T) {
	tmpl := builtinByName(t, "mettler_toledo_standard")
	for _, frames := range [][]models.Frame{mettlerFrames(50), csvFrames(30)} {
		result := TestTemplate(tmpl, frames, 50)
		expected := clamp(
			result.ParseRate*0.4+result.FrameConsistency*0.3+result.FormatMatch*0.2+result.DataQuality*0.1,
			0, 100)
		assert.InDelta(t, expected, result.Confidence, 1e-9)
		assert.GreaterOrEqual(t, result.Confidence, 0.0)
		assert.LessOrEqual(t, result.Confidence, 100.0)
	}
}

func TestMettlerStreamMatchesItsTemplate(t *testing.T) {
	tmpl := builtinByName(t, "mettler_toledo_standard")
	result := TestTemplate(tmpl, mettlerFrames(50), 50)
	assert.GreaterOrEqual(t, result.Confidence, 85.0)
	assert.Equal(t, 50, result.TestedFrames)
	assert.Equal(t, 50, result.SuccessfulParses)
	assert.Len(t, result.SampleFields, 5, "at most five sample field maps retained")
}

func TestUnknownCSVStaysBelowThreshold(t *testing.T) {
	frames := csvFrames(30)
	for _, tmpl := range templates.BuiltinTemplates() {
		result := TestTemplate(tmpl, frames, 50)
		assert.Less(t, result.Confidence, 85.0, "builtin %s must not claim the unknown CSV format", tmpl.TemplateName)
	}
}

func TestTestTemplateEmptyFrames(t *testing.T) {
	tmpl := builtinByName(t, "mettler_toledo_sics")
	result := TestTemplate(tmpl, nil, 50)
	assert.Zero(t, result.Confidence)
	assert.Zero(t, result.TestedFrames)
}

func TestTestTemplateCapsFrameCount(t *testing.T) {
	tmpl := builtinByName(t, "mettler_toledo_standard")
	result := TestTemplate(tmpl, mettlerFrames(120), 50)
	assert.Equal(t, 50, result.TestedFrames)
}

func TestTestAllSortsByConfidence(t *testing.T) {
	candidates := templates.BuiltinTemplates()
	results := testAll(t.Context(), candidates, mettlerFrames(50), 50, 4)
	require.Len(t, results, len(candidates))
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Confidence, results[i].Confidence)
	}
	assert.Equal(t, "mettler_toledo_standard", results[0].TemplateName)
}

func TestFrameConsistencyUniformLengths(t *testing.T) {
	assert.InDelta(t, 100, frameConsistency([]float64{18, 18, 18, 18}), 1e-9)
	mixed := frameConsistency([]float64{5, 40, 12, 33, 7})
	assert.Less(t, mixed, 80.0)
}

func TestFormatConsistencyHelpers(t *testing.T) {
	lines := []string{"ST,GS,+00123.5,kg", "ST,GS,+00123.6,kg", "ST,GS,+00123.4,kg"}
	assert.Greater(t, formatConsistency(lines), 90.0)
	assert.Equal(t, 100.0, formatConsistency([]string{"only one"}))
	assert.Equal(t, 0.0, formatConsistency(nil))

	ragged := []string{"abc", "123456789", "x,y", "###"}
	assert.Less(t, formatConsistency(ragged), 60.0)
}

func TestNumericTokenExtraction(t *testing.T) {
	tokens := numericTokens("ST,GS,+00123.5,kg")
	require.Len(t, tokens, 1)
	assert.Equal(t, 123.5, tokens[0])

	closest, ok := closestTo([]string{"w 1.1", "w 4.9", "w 5.2"}, 5.0)
	require.True(t, ok)
	assert.Equal(t, 4.9, closest)

	_, ok = closestTo([]string{"no numbers"}, 5.0)
	assert.False(t, ok)
}

func TestWeightCorrelationBands(t *testing.T) {
	assert.InDelta(t, 100, weightCorrelation(5.0, 5.0), 1e-9)
	assert.InDelta(t, 99, weightCorrelation(5.05, 5.0), 1e-9)
	assert.Equal(t, 0.0, weightCorrelation(50, 5.0))
}
