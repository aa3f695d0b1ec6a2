package templates

import (
	"encoding/json"
	"fmt"
)

// Decode parses a template from its canonical JSON form and validates it.
func Decode(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	applyFramingDefaults(&t)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("template %q: %w", t.TemplateName, err)
	}
	return &t, nil
}

// Encode renders a template into its canonical JSON form.
func Encode(t *Template) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// DecodeCatalog parses a JSON array of templates.
func DecodeCatalog(data []byte) ([]*Template, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	out := make([]*Template, 0, len(raw))
	for i, r := range raw {
		t, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func applyFramingDefaults(t *Template) {
	if t.Framing.Encoding == "" {
		t.Framing.Encoding = "ascii"
	}
	if t.Framing.Delimiter == "" {
		t.Framing.Delimiter = "\r\n"
	}
}
