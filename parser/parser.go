package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/hexaline/weighbridge/templates"
)

// ParsedFrame is the result of applying a template to one decoded frame.
// Fields maps field name to its typed value, nil when extraction failed.
type ParsedFrame struct {
	Raw    string
	Fields map[string]interface{}
	Valid  bool
	Errors []string
}

// Parser applies one template. Regexes compile once at construction;
// Parse is safe for concurrent use.
type Parser struct {
	tmpl        *templates.Template
	fieldRE     map[string]*regexp.Regexp
	errorRE     map[*regexp.Regexp]string
	extraChecks []*regexp.Regexp
}

// New compiles the template's extraction and error patterns.
func New(tmpl *templates.Template) (*Parser, error) {
	p := &Parser{tmpl: tmpl, fieldRE: make(map[string]*regexp.Regexp), errorRE: make(map[*regexp.Regexp]string)}
	for _, f := range tmpl.Fields {
		if f.Regex == "" {
			continue
		}
		re, err := regexp.Compile(f.Regex)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		p.fieldRE[f.Name] = re
	}
	for pattern, label := range tmpl.ErrorHandling.Errors {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("error pattern %q: %w", pattern, err)
		}
		p.errorRE[re] = label
	}
	for _, pattern := range tmpl.Validation.Extra {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("validation pattern %q: %w", pattern, err)
		}
		p.extraChecks = append(p.extraChecks, re)
	}
	return p, nil
}

// Template returns the bound template.
func (p *Parser) Template() *templates.Template { return p.tmpl }

// DecodeFrame turns raw frame bytes into the string the field rules see:
// the STX/ETX envelope and the delimiter are stripped, the payload is
// decoded per the template encoding (ASCII keeps 7-bit bytes only).
func (p *Parser) DecodeFrame(raw []byte) string {
	s := string(raw)
	if d := p.tmpl.Framing.Delimiter; d != "" {
		s = strings.TrimSuffix(s, d)
	}
	s = strings.TrimRight(s, "\r\n")
	if stx := p.tmpl.Framing.STX; stx != "" {
		s = strings.TrimPrefix(s, stx)
	}
	if etx := p.tmpl.Framing.ETX; etx != "" {
		s = strings.TrimSuffix(s, etx)
	}
	if strings.EqualFold(p.tmpl.Framing.Encoding, "ascii") {
		var b strings.Builder
		b.Grow(len(s))
		for i := 0; i < len(s); i++ {
			if s[i] < 128 {
				b.WriteByte(s[i])
			}
		}
		s = b.String()
	}
	return s
}

// MatchError checks the frame against the template's error patterns and
// returns the mapped label on first match.
func (p *Parser) MatchError(frame string) (label string, ok bool) {
	for re, l := range p.errorRE {
		if re.MatchString(frame) {
			return l, true
		}
	}
	return "", false
}

// RecoveryCommand returns the recovery command mapped to an error label.
func (p *Parser) RecoveryCommand(label string) (string, bool) {
	cmd, ok := p.tmpl.ErrorHandling.Recovery[label]
	return cmd, ok
}

// Parse applies every field rule in order. Extraction failures on
// non-required fields are non-fatal; Valid reports all required fields ok.
func (p *Parser) Parse(frame string) ParsedFrame {
	out := ParsedFrame{Raw: frame, Fields: make(map[string]interface{}, len(p.tmpl.Fields)), Valid: true}
	for _, f := range p.tmpl.Fields {
		value, err := p.extract(&f, frame)
		if err != nil {
			out.Fields[f.Name] = nil
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", f.Name, err))
			if f.Required {
				out.Valid = false
			}
			continue
		}
		out.Fields[f.Name] = value
	}
	for _, re := range p.extraChecks {
		if !re.MatchString(frame) {
			out.Errors = append(out.Errors, fmt.Sprintf("frame failed assertion %q", re.String()))
			out.Valid = false
		}
	}
	return out
}

func (p *Parser) extract(f *templates.Field, frame string) (interface{}, error) {
	token, err := p.rawToken(f, frame)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case templates.FieldNumeric:
		return parseNumeric(token, f.DecimalPlaces)
	case templates.FieldEnum:
		key := strings.TrimSpace(token)
		if label, ok := f.EnumValues[key]; ok {
			return label, nil
		}
		return nil, fmt.Errorf("value %q not in enum", key)
	default:
		return strings.TrimSpace(token), nil
	}
}

func (p *Parser) rawToken(f *templates.Field, frame string) (string, error) {
	if f.Offset != nil && f.Length != nil {
		start, n := *f.Offset, *f.Length
		if start < 0 || start >= len(frame) {
			return "", fmt.Errorf("offset %d beyond frame length %d", start, len(frame))
		}
		end := start + n
		if end > len(frame) {
			end = len(frame)
		}
		return frame[start:end], nil
	}
	re := p.fieldRE[f.Name]
	if re == nil {
		return "", fmt.Errorf("no extraction rule")
	}
	m := re.FindStringSubmatch(frame)
	if m == nil {
		return "", fmt.Errorf("regex did not match")
	}
	group := f.Group
	if group <= 0 || group >= len(m) {
		group = len(m) - 1
		if group < 0 {
			group = 0
		}
	}
	return m[group], nil
}

// CheckWeight applies the template's min/max validation to a parsed weight.
func (p *Parser) CheckWeight(w float64) error {
	v := p.tmpl.Validation
	if v.MinWeight != nil && w < *v.MinWeight {
		return fmt.Errorf("weight %v below minimum %v", w, *v.MinWeight)
	}
	if v.MaxWeight != nil && w > *v.MaxWeight {
		return fmt.Errorf("weight %v above maximum %v", w, *v.MaxWeight)
	}
	return nil
}

func parseNumeric(token string, decimalPlaces int) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' {
			return -1
		}
		return r
	}, strings.TrimSpace(token))
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %q", token)
	}
	if decimalPlaces > 0 {
		scale := math.Pow10(decimalPlaces)
		v = math.Round(v*scale) / scale
	}
	return v, nil
}
