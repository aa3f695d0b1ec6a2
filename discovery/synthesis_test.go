package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaline/weighbridge/models"
)

func completedSteps(linesPerStep [][]string) []*Step {
	steps := make([]*Step, 0, len(linesPerStep))
	for i, ls := range linesPerStep {
		steps = append(steps, &Step{
			StepNumber:   i + 1,
			Action:       "place_weight",
			CapturedData: ls,
			Status:       StepCompleted,
			Analysis:     StepAnalysis{Confidence: 90, IsStable: true, FormatConsistency: 100},
		})
	}
	return steps
}

func TestSynthesizeCSVFormat(t *testing.T) {
	steps := completedSteps([][]string{
		{"ST,GS,+00001.0,kg", "ST,GS,+00001.0,kg"},
		{"ST,GS,+00005.0,kg", "ST,GS,+00005.0,kg"},
		{"ST,GS,+00010.0,kg"},
	})
	tmpl, err := Synthesize(steps, 5, 0, 88.5)
	require.NoError(t, err)

	assert.Equal(t, "\r\n", tmpl.Framing.Delimiter)
	assert.Equal(t, 88.5, tmpl.ConfidenceThreshold)
	require.NotEmpty(t, tmpl.Fields)

	weight := tmpl.Fields[0]
	assert.Equal(t, "weight", weight.Name)
	require.NotNil(t, weight.Offset)
	require.NotNil(t, weight.Length)
	assert.Equal(t, 6, *weight.Offset)
	assert.Equal(t, 8, *weight.Length)
	assert.Equal(t, 1, weight.DecimalPlaces)
	assert.True(t, weight.Required)
}

func TestSynthesizeLFDelimiter(t *testing.T) {
	steps := completedSteps([][]string{{"12.345 kg S"}})
	tmpl, err := Synthesize(steps, 1, 9, 75)
	require.NoError(t, err)
	assert.Equal(t, "\n", tmpl.Framing.Delimiter, "bare LF wins when CR-LF is under half the lines")
}

func TestSynthesizeTrailingStabilityCode(t *testing.T) {
	steps := completedSteps([][]string{
		{"  12.345 kg S", "  12.346 kg S"},
		{"  45.000 kg S"},
	})
	tmpl, err := Synthesize(steps, 3, 0, 80)
	require.NoError(t, err)

	var stabilityField bool
	var unitField bool
	for _, f := range tmpl.Fields {
		switch f.Name {
		case "stability":
			stabilityField = true
			assert.Contains(t, f.EnumValues, "S")
		case "unit":
			unitField = true
		}
	}
	assert.True(t, stabilityField, "consistent trailing code becomes a stability field")
	assert.True(t, unitField)
}

func TestSynthesizeReproducible(t *testing.T) {
	build := func() [][]string {
		return [][]string{
			{"ST,GS,+00001.0,kg", "ST,GS,+00001.0,kg"},
			{"ST,GS,+00005.0,kg"},
		}
	}
	a, err := Synthesize(completedSteps(build()), 3, 0, 91)
	require.NoError(t, err)
	b, err := Synthesize(completedSteps(build()), 3, 0, 91)
	require.NoError(t, err)

	require.Equal(t, len(a.Fields), len(b.Fields))
	assert.Equal(t, *a.Fields[0].Offset, *b.Fields[0].Offset)
	assert.Equal(t, *a.Fields[0].Length, *b.Fields[0].Length)
	assert.Equal(t, a.Fields[0].DecimalPlaces, b.Fields[0].DecimalPlaces)
	for i := range a.Fields {
		assert.Equal(t, a.Fields[i].Regex, b.Fields[i].Regex)
	}

	// Re-testing each against the same captured data scores identically.
	framesA := framesFromSteps(completedSteps(build()), a.Framing.Delimiter)
	framesB := framesFromSteps(completedSteps(build()), b.Framing.Delimiter)
	ra := TestTemplate(a, framesA, 50)
	rb := TestTemplate(b, framesB, 50)
	assert.InDelta(t, ra.Confidence, rb.Confidence, 1e-9)
}

func TestSynthesizeRetestMonotonicity(t *testing.T) {
	steps := completedSteps([][]string{
		{"ST,GS,+00001.0,kg", "ST,GS,+00001.0,kg"},
		{"ST,GS,+00005.0,kg", "ST,GS,+00005.0,kg"},
		{"ST,GS,+00010.0,kg", "ST,GS,+00010.0,kg"},
	})
	correlation := 85.0
	tmpl, err := Synthesize(steps, 6, 0, correlation)
	require.NoError(t, err)

	verify := TestTemplate(tmpl, framesFromSteps(steps, tmpl.Framing.Delimiter), 50)
	assert.GreaterOrEqual(t, verify.Confidence, correlation,
		"a template synthesized from the data must score at least the correlation that triggered it")
}

func TestSynthesizeNoNumericData(t *testing.T) {
	steps := completedSteps([][]string{{"no digits at all", "still none"}})
	_, err := Synthesize(steps, 2, 0, 80)
	assert.ErrorIs(t, err, models.ErrSynthesisFailed)
}

func TestSynthesizeNoLines(t *testing.T) {
	_, err := Synthesize(nil, 0, 0, 80)
	assert.ErrorIs(t, err, models.ErrSynthesisFailed)
}

func TestCorrelationBands(t *testing.T) {
	mk := func(scores ...float64) []*Step {
		steps := make([]*Step, 0, len(scores))
		for i, sc := range scores {
			steps = append(steps, &Step{StepNumber: i + 1, Status: StepCompleted, Analysis: StepAnalysis{Confidence: sc}})
		}
		return steps
	}
	assert.Equal(t, ActionGenerate, correlationOf(mk(90, 85)).RecommendedAction)
	assert.Equal(t, ActionGenerateValidate, correlationOf(mk(72, 75)).RecommendedAction)
	assert.Equal(t, ActionCollectMore, correlationOf(mk(55, 60)).RecommendedAction)
	assert.Equal(t, ActionReviewSetup, correlationOf(mk(10)).RecommendedAction)

	mixed := correlationOf([]*Step{
		{Status: StepCompleted, Analysis: StepAnalysis{Confidence: 80}},
		{Status: StepFailed, Analysis: StepAnalysis{Confidence: 10}},
	})
	assert.Equal(t, 1, mixed.CompletedSteps)
	assert.Equal(t, 1, mixed.FailedSteps)
	assert.InDelta(t, 80, mixed.OverallCorrelation, 1e-9, "failed steps do not drag the mean")
}
