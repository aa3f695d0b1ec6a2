package templates

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// Field semantic types.
const (
	FieldNumeric = "numeric"
	FieldEnum    = "enum"
	FieldString  = "string"
)

// Communication carries the advisory serial link parameters. When tunneled
// over TCP they document the converter-side configuration only.
type Communication struct {
	Baud        int    `json:"baud"`
	DataBits    int    `json:"data_bits"`
	Parity      string `json:"parity"` // none | even | odd
	StopBits    int    `json:"stop_bits"`
	FlowControl string `json:"flow_control"` // none | xonxoff | rtscts
}

// Commands holds the request-weight command plus auxiliary commands
// (tare, zero, ...) keyed by name.
type Commands struct {
	RequestWeight string            `json:"request_weight"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Framing describes how frames are recovered from the byte stream.
type Framing struct {
	Encoding  string `json:"encoding"`  // default "ascii"
	Delimiter string `json:"delimiter"` // default "\r\n"
	STX       string `json:"stx,omitempty"`
	ETX       string `json:"etx,omitempty"`
}

// Field is one ordered field descriptor. Extraction is either fixed
// offset+length or a regex with a numbered capture group.
type Field struct {
	Name          string            `json:"name"`
	Offset        *int              `json:"offset,omitempty"`
	Length        *int              `json:"length,omitempty"`
	Regex         string            `json:"regex,omitempty"`
	Group         int               `json:"group,omitempty"`
	Type          string            `json:"type"`
	DecimalPlaces int               `json:"decimal_places,omitempty"`
	EnumValues    map[string]string `json:"enum_values,omitempty"`
	Required      bool              `json:"required"`
}

// ResponsePatterns are the protocol-level regex patterns.
type ResponsePatterns struct {
	WeightRegex   string            `json:"weight_regex"`
	StableRegex   string            `json:"stable_regex,omitempty"`
	UnstableRegex string            `json:"unstable_regex,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Validation holds optional acceptance rules for parsed weights.
type Validation struct {
	MinWeight *float64          `json:"min_weight,omitempty"`
	MaxWeight *float64          `json:"max_weight,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ErrorHandling maps device error patterns to labels and labels to
// recovery commands.
type ErrorHandling struct {
	Errors   map[string]string `json:"errors,omitempty"`   // regex -> label
	Recovery map[string]string `json:"recovery,omitempty"` // label -> command
}

// Template is an immutable, versioned protocol description. The JSON field
// names are the normative persistence format.
type Template struct {
	ID           string `json:"id"`
	TemplateName string `json:"template_name"`
	DisplayName  string `json:"display_name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
	Version      string `json:"version"`
	Author       string `json:"author,omitempty"`

	Communication    Communication    `json:"communication"`
	Commands         Commands         `json:"commands"`
	Framing          Framing          `json:"framing"`
	Fields           []Field          `json:"fields"`
	ResponsePatterns ResponsePatterns `json:"response_patterns"`
	Validation       Validation       `json:"validation"`
	ErrorHandling    ErrorHandling    `json:"error_handling"`

	Priority            int     `json:"priority"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	TimeoutMs           int     `json:"timeout_ms"`
	MaxRetries          int     `json:"max_retries"`
	SupportedBaudRates  []int   `json:"supported_baud_rates"`

	EnvironmentalOptimization string            `json:"environmental_optimization,omitempty"`
	Tags                      map[string]string `json:"tags,omitempty"`

	IsActive  bool `json:"is_active"`
	IsBuiltin bool `json:"is_builtin"`

	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	// SuccessRate is exponentially smoothed, 0-100.
	SuccessRate float64 `json:"success_rate"`
}

// Validate checks structural invariants before a template is stored.
func (t *Template) Validate() error {
	if t.TemplateName == "" {
		return fmt.Errorf("template_name is required")
	}
	if t.Priority < 1 || t.Priority > 100 {
		return fmt.Errorf("priority %d outside [1,100]", t.Priority)
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold %v outside [0,100]", t.ConfidenceThreshold)
	}
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d: name is required", i)
		}
		hasOffset := f.Offset != nil && f.Length != nil
		hasRegex := f.Regex != ""
		if !hasOffset && !hasRegex {
			return fmt.Errorf("field %q: needs offset+length or regex", f.Name)
		}
		if hasRegex {
			if _, err := regexp.Compile(f.Regex); err != nil {
				return fmt.Errorf("field %q: bad regex: %w", f.Name, err)
			}
		}
		switch f.Type {
		case FieldNumeric, FieldEnum, FieldString:
		default:
			return fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
	}
	for pattern := range t.ErrorHandling.Errors {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("error pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// EffectivePriority orders templates for discovery: configured priority
// boosted by observed success and (log-damped) usage.
func (t *Template) EffectivePriority() float64 {
	usageBoost := math.Log10(float64(t.UsageCount)+1) * 10
	if usageBoost > 20 {
		usageBoost = 20
	}
	return float64(t.Priority) + t.SuccessRate*0.3 + usageBoost
}

// Clone returns a deep copy so stored templates stay immutable.
func (t *Template) Clone() *Template {
	cp := *t
	cp.Fields = append([]Field(nil), t.Fields...)
	for i := range cp.Fields {
		if t.Fields[i].Offset != nil {
			v := *t.Fields[i].Offset
			cp.Fields[i].Offset = &v
		}
		if t.Fields[i].Length != nil {
			v := *t.Fields[i].Length
			cp.Fields[i].Length = &v
		}
		cp.Fields[i].EnumValues = copyStringMap(t.Fields[i].EnumValues)
	}
	cp.Commands.Extra = copyStringMap(t.Commands.Extra)
	cp.ResponsePatterns.Extra = copyStringMap(t.ResponsePatterns.Extra)
	cp.Validation.Extra = copyStringMap(t.Validation.Extra)
	if t.Validation.MinWeight != nil {
		v := *t.Validation.MinWeight
		cp.Validation.MinWeight = &v
	}
	if t.Validation.MaxWeight != nil {
		v := *t.Validation.MaxWeight
		cp.Validation.MaxWeight = &v
	}
	cp.ErrorHandling.Errors = copyStringMap(t.ErrorHandling.Errors)
	cp.ErrorHandling.Recovery = copyStringMap(t.ErrorHandling.Recovery)
	cp.SupportedBaudRates = append([]int(nil), t.SupportedBaudRates...)
	cp.Tags = copyStringMap(t.Tags)
	if t.LastUsedAt != nil {
		v := *t.LastUsedAt
		cp.LastUsedAt = &v
	}
	return &cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
