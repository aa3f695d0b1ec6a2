package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/parser"
	"github.com/hexaline/weighbridge/templates"
)

// TemplateTestResult scores one template against a captured frame set.
type TemplateTestResult struct {
	TemplateName     string                   `json:"template_name"`
	TestedFrames     int                      `json:"tested_frames"`
	SuccessfulParses int                      `json:"successful_parses"`
	ParseRate        float64                  `json:"parse_rate"`
	FrameConsistency float64                  `json:"frame_consistency"`
	FormatMatch      float64                  `json:"format_match"`
	DataQuality      float64                  `json:"data_quality"`
	Confidence       float64                  `json:"confidence"`
	SampleFields     []map[string]interface{} `json:"sample_fields,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

// TestTemplate parses up to maxFrames captured frames with the template
// and scores the fit. The confidence weighting is normative:
// parse rate 0.4, frame consistency 0.3, format match 0.2, data quality 0.1.
func TestTemplate(tmpl *templates.Template, frames []models.Frame, maxFrames int) TemplateTestResult {
	result := TemplateTestResult{TemplateName: tmpl.TemplateName}
	if maxFrames <= 0 {
		maxFrames = 50
	}
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	result.TestedFrames = len(frames)
	if len(frames) == 0 {
		return result
	}

	p, err := parser.New(tmpl)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	parses := make([]parser.ParsedFrame, 0, len(frames))
	lengths := make([]float64, 0, len(frames))
	for _, f := range frames {
		decoded := p.DecodeFrame(f.Bytes)
		pf := p.Parse(decoded)
		parses = append(parses, pf)
		lengths = append(lengths, float64(len(decoded)))
		if pf.Valid {
			result.SuccessfulParses++
		}
		if len(result.SampleFields) < 5 {
			result.SampleFields = append(result.SampleFields, pf.Fields)
		}
	}

	result.ParseRate = float64(result.SuccessfulParses) / float64(len(frames)) * 100
	result.FrameConsistency = frameConsistency(lengths)
	result.FormatMatch = formatMatch(tmpl, parses)
	result.DataQuality = dataQuality(tmpl, parses)
	result.Confidence = clamp(
		result.ParseRate*0.4+result.FrameConsistency*0.3+result.FormatMatch*0.2+result.DataQuality*0.1,
		0, 100)
	return result
}

// frameConsistency combines length consistency, a distinct-length
// variation score, and the dominant-length share.
func frameConsistency(lengths []float64) float64 {
	if len(lengths) == 0 {
		return 0
	}
	lengthScore := consistencyFromCV(lengths)

	counts := map[float64]int{}
	for _, l := range lengths {
		counts[l]++
	}
	variation := clamp(100-float64(len(counts)-1)/float64(len(lengths))*100, 0, 100)

	dominant := 0
	for _, c := range counts {
		if c > dominant {
			dominant = c
		}
	}
	uniformity := float64(dominant) / float64(len(lengths)) * 100

	return clamp(0.5*lengthScore+0.2*variation+0.3*uniformity, 0, 100)
}

// formatMatch scores field presence per frame: present required +1,
// present optional +0.5, missing required -0.5; normalized to 0-100
// plus a small bonus when every frame scores identically.
func formatMatch(tmpl *templates.Template, parses []parser.ParsedFrame) float64 {
	if len(parses) == 0 || len(tmpl.Fields) == 0 {
		return 0
	}
	var maxScore float64
	for _, f := range tmpl.Fields {
		if f.Required {
			maxScore += 1
		} else {
			maxScore += 0.5
		}
	}
	if maxScore == 0 {
		return 0
	}

	scores := make([]float64, 0, len(parses))
	for _, pf := range parses {
		var score float64
		for _, f := range tmpl.Fields {
			present := pf.Fields[f.Name] != nil
			switch {
			case present && f.Required:
				score += 1
			case present:
				score += 0.5
			case f.Required:
				score -= 0.5
			}
		}
		scores = append(scores, clamp(score/maxScore, 0, 1)*100)
	}

	out := mean(scores)
	uniform := true
	for _, s := range scores[1:] {
		if s != scores[0] {
			uniform = false
			break
		}
	}
	if uniform && out > 0 {
		out += 5
	}
	return clamp(out, 0, 100)
}

// dataQuality averages valid-parse ratio, field completeness, per-field
// type consistency, and numeric reasonableness (3-sigma outlier test).
func dataQuality(tmpl *templates.Template, parses []parser.ParsedFrame) float64 {
	if len(parses) == 0 {
		return 0
	}
	valid := 0
	for _, pf := range parses {
		if pf.Valid {
			valid++
		}
	}
	validRatio := float64(valid) / float64(len(parses)) * 100

	completeness := fieldCompleteness(tmpl, parses)
	typeConsistency := fieldTypeConsistency(tmpl, parses)
	reasonableness := numericReasonableness(tmpl, parses)

	return clamp((validRatio+completeness+typeConsistency+reasonableness)/4, 0, 100)
}

func fieldCompleteness(tmpl *templates.Template, parses []parser.ParsedFrame) float64 {
	if len(tmpl.Fields) == 0 {
		return 0
	}
	var total float64
	for _, pf := range parses {
		present := 0
		for _, f := range tmpl.Fields {
			if pf.Fields[f.Name] != nil {
				present++
			}
		}
		total += float64(present) / float64(len(tmpl.Fields))
	}
	return total / float64(len(parses)) * 100
}

func fieldTypeConsistency(tmpl *templates.Template, parses []parser.ParsedFrame) float64 {
	if len(tmpl.Fields) == 0 {
		return 0
	}
	var total float64
	for _, f := range tmpl.Fields {
		counts := map[string]int{}
		observed := 0
		for _, pf := range parses {
			v := pf.Fields[f.Name]
			if v == nil {
				continue
			}
			observed++
			switch v.(type) {
			case float64:
				counts["numeric"]++
			default:
				counts["string"]++
			}
		}
		if observed == 0 {
			continue
		}
		dominant := 0
		for _, c := range counts {
			if c > dominant {
				dominant = c
			}
		}
		total += float64(dominant) / float64(observed)
	}
	return total / float64(len(tmpl.Fields)) * 100
}

// numericReasonableness flags numeric outliers beyond three standard
// deviations of the field's own distribution.
func numericReasonableness(tmpl *templates.Template, parses []parser.ParsedFrame) float64 {
	var fieldScores []float64
	for _, f := range tmpl.Fields {
		if f.Type != templates.FieldNumeric {
			continue
		}
		var values []float64
		for _, pf := range parses {
			if v, ok := pf.Fields[f.Name].(float64); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			fieldScores = append(fieldScores, 0)
			continue
		}
		mu, sigma := mean(values), stddev(values)
		if sigma == 0 {
			fieldScores = append(fieldScores, 100)
			continue
		}
		inliers := 0
		for _, v := range values {
			if v >= mu-3*sigma && v <= mu+3*sigma {
				inliers++
			}
		}
		fieldScores = append(fieldScores, float64(inliers)/float64(len(values))*100)
	}
	if len(fieldScores) == 0 {
		// No numeric fields to judge; treat as neutral-good.
		return 100
	}
	return mean(fieldScores)
}

// testAll runs TestTemplate concurrently over the candidate set and
// returns results sorted by confidence descending (stable on name).
func testAll(ctx context.Context, candidates []*templates.Template, frames []models.Frame, maxFrames, workers int) []TemplateTestResult {
	if workers <= 0 {
		workers = 4
	}
	type job struct {
		idx  int
		tmpl *templates.Template
	}
	jobs := make(chan job)
	results := make([]TemplateTestResult, len(candidates))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results[j.idx] = TestTemplate(j.tmpl, frames, maxFrames)
			}
		}()
	}
	for i, t := range candidates {
		select {
		case <-ctx.Done():
		case jobs <- job{idx: i, tmpl: t}:
		}
	}
	close(jobs)
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].TemplateName < results[j].TemplateName
	})
	return results
}
