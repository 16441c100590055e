// Package docdata manipulates the JSON payload carried by a document. The
// payload holds a coordinateFields array seeded from the document's template
// plus a signatures object keyed by signer email.
package docdata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field is one fillable slot on a document, positioned by the template.
type Field struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Value    string `json:"value"`
}

// Seed builds a fresh document payload from a template's coordinate-fields
// JSON. Field definitions are copied with values blanked, so template edits
// after the fact never leak into existing documents.
func Seed(coordinateFields string) (map[string]any, error) {
	fields, err := parseFields(coordinateFields)
	if err != nil {
		return nil, err
	}
	seeded := make([]any, 0, len(fields))
	for _, field := range fields {
		seeded = append(seeded, map[string]any{
			"id":       field.ID,
			"label":    field.Label,
			"required": field.Required,
			"value":    "",
		})
	}
	return map[string]any{"coordinateFields": seeded}, nil
}

// MissingRequiredLabels returns the labels of required fields whose value is
// empty or whitespace, in payload order. The payload is client JSON, so a
// value may arrive as any scalar; non-string scalars count as filled. A
// payload without a coordinateFields array has nothing required.
func MissingRequiredLabels(payload map[string]any) []string {
	raw, ok := payload["coordinateFields"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var missing []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		required, _ := entry["required"].(bool)
		if !required {
			continue
		}
		if strings.TrimSpace(valueText(entry["value"])) != "" {
			continue
		}
		label, _ := entry["label"].(string)
		if label == "" {
			label, _ = entry["id"].(string)
		}
		missing = append(missing, label)
	}
	return missing
}

// MergeSignature records a signer's signature payload under
// signatures[email], creating the signatures object if needed. The rest of
// the payload is left untouched.
func MergeSignature(payload map[string]any, email string, signature any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	signatures, ok := payload["signatures"].(map[string]any)
	if !ok {
		signatures = map[string]any{}
	}
	signatures[email] = signature
	payload["signatures"] = signatures
	return payload
}

// valueText renders a field value to its text form. Decoded JSON gives
// string, float64, bool, or json.Number scalars; anything else is not a
// fillable value and renders blank.
func valueText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func parseFields(coordinateFields string) ([]Field, error) {
	trimmed := strings.TrimSpace(coordinateFields)
	if trimmed == "" {
		return nil, nil
	}
	var fields []Field
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("parse coordinate fields: %w", err)
	}
	return fields, nil
}
