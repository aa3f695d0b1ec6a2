package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/templates"
)

// Synthesize derives a candidate template from the merged step captures.
// Deterministic for a fixed capture set: field positions and decimal
// places depend only on the line content, never on timing or ordering
// noise. Triggered only when enough steps completed and correlation
// cleared the synthesis threshold.
func Synthesize(steps []*Step, crlfLines, bareLines int, correlation float64) (*templates.Template, error) {
	var lines []string
	var stableLines []string
	for _, s := range steps {
		lines = append(lines, s.CapturedData...)
		if s.Status == StepCompleted && s.Analysis.IsStable {
			stableLines = append(stableLines, s.CapturedData...)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no captured lines", models.ErrSynthesisFailed)
	}

	// Framing from the observed terminator: CR-LF when it carried at
	// least half the lines, bare LF otherwise.
	delimiter := "\n"
	if crlfLines*2 >= crlfLines+bareLines {
		delimiter = "\r\n"
	}

	// The representative sample is the first line carrying a numeric
	// token; the weight field anchors to that match.
	sample, matchStart, matchLen := "", -1, 0
	for _, l := range lines {
		if loc := floatTokenRE.FindStringIndex(l); loc != nil {
			sample, matchStart, matchLen = l, loc[0], loc[1]-loc[0]
			break
		}
	}
	if matchStart < 0 {
		return nil, fmt.Errorf("%w: no numeric token in any captured line", models.ErrSynthesisFailed)
	}
	token := sample[matchStart : matchStart+matchLen]
	decimals := 0
	if dot := strings.IndexByte(token, '.'); dot >= 0 {
		decimals = len(token) - dot - 1
	}

	offset, length := matchStart, matchLen
	fields := []templates.Field{{
		Name:          "weight",
		Offset:        &offset,
		Length:        &length,
		Type:          templates.FieldNumeric,
		DecimalPlaces: decimals,
		Required:      true,
	}}

	// A short trailing alphabetic token that holds across lines is a
	// unit; a consistent trailing one- or two-character code across
	// stable steps is a stability indicator.
	unit := trailingUnit(lines)
	if unit != "" {
		fields = append(fields, templates.Field{
			Name:     "unit",
			Regex:    fmt.Sprintf(`\b(%s)\b`, regexQuote(unit)),
			Group:    1,
			Type:     templates.FieldString,
			Required: false,
		})
	}
	if code := trailingStabilityCode(stableLines, unit); code != "" {
		fields = append(fields, templates.Field{
			Name:       "stability",
			Regex:      fmt.Sprintf(`(%s)\s*$`, regexQuote(code)),
			Group:      1,
			Type:       templates.FieldEnum,
			EnumValues: map[string]string{code: "stable"},
			Required:   false,
		})
	}

	now := time.Now().UTC()
	t := &templates.Template{
		ID:           uuid.NewString(),
		TemplateName: fmt.Sprintf("discovered_%s", now.Format("20060102_150405")),
		DisplayName:  "Discovered Scale Protocol",
		Manufacturer: "unknown",
		Version:      "1.0.0",
		Author:       "discovery",
		Communication: templates.Communication{
			Baud: 9600, DataBits: 8, Parity: "none", StopBits: 1, FlowControl: "none",
		},
		Framing: templates.Framing{Encoding: "ascii", Delimiter: delimiter},
		Fields:  fields,
		ResponsePatterns: templates.ResponsePatterns{
			WeightRegex: floatTokenRE.String(),
		},
		Priority:            50,
		ConfidenceThreshold: correlation,
		TimeoutMs:           3000,
		MaxRetries:          3,
		SupportedBaudRates:  []int{9600, 19200, 38400},
		Tags:                map[string]string{"origin": "interactive_discovery"},
		IsActive:            true,
		CreatedAt:           now,
		ModifiedAt:          now,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSynthesisFailed, err)
	}
	return t, nil
}

// trailingUnit returns a trailing alphabetic weight unit when it is
// consistent across at least half the lines. The unit may sit last or
// just before a trailing status code.
func trailingUnit(lines []string) string {
	counts := map[string]int{}
	for _, l := range lines {
		for _, tok := range lastTokens(l, 2) {
			if isAlpha(tok) && weightUnits[tok] {
				counts[tok]++
				break
			}
		}
	}
	best, bestCount := "", 0
	for tok, c := range counts {
		if c > bestCount || (c == bestCount && tok < best) {
			best, bestCount = tok, c
		}
	}
	if bestCount*2 >= len(lines) && bestCount > 0 {
		return best
	}
	return ""
}

// trailingStabilityCode looks for a consistent one- or two-character
// alphabetic code at the end of stable-step lines that is not the unit.
func trailingStabilityCode(stableLines []string, unit string) string {
	if len(stableLines) == 0 {
		return ""
	}
	counts := map[string]int{}
	for _, l := range stableLines {
		tok := lastToken(l)
		if tok == unit {
			// Unit occupies the tail; look one token earlier.
			trimmed := strings.TrimSuffix(strings.TrimSpace(l), tok)
			tok = lastToken(trimmed)
		}
		if len(tok) >= 1 && len(tok) <= 2 && isAlpha(tok) && !weightUnits[tok] {
			counts[tok]++
		}
	}
	best, bestCount := "", 0
	for tok, c := range counts {
		if c > bestCount || (c == bestCount && tok < best) {
			best, bestCount = tok, c
		}
	}
	if bestCount*2 >= len(stableLines) && bestCount > 0 {
		return best
	}
	return ""
}

// regexQuote escapes regex metacharacters in a literal token.
func regexQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
