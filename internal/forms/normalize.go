// Package forms validates and repairs externally supplied form
// descriptions before they are forwarded as form_request payloads. The
// policy is tolerant: anything recoverable is kept with a warning, and
// only structural problems become errors.
package forms

import (
	"fmt"
	"regexp"
)

// Field types form a closed set. Unrecognized types downgrade to
// TypeString with a warning rather than rejecting the field.
const (
	TypeString      = "string"
	TypeTextarea    = "textarea"
	TypePassword    = "password"
	TypeNumber      = "number"
	TypeBoolean     = "boolean"
	TypeSelect      = "select"
	TypeMultiselect = "multiselect"
	TypeDate        = "date"
	TypeTime        = "time"
	TypeDatetime    = "datetime"
	TypePhone       = "phone"
	TypeEmail       = "email"
	TypeURL         = "url"
	TypeCreditCard  = "creditcard"
)

var knownTypes = map[string]bool{
	TypeString: true, TypeTextarea: true, TypePassword: true,
	TypeNumber: true, TypeBoolean: true,
	TypeSelect: true, TypeMultiselect: true,
	TypeDate: true, TypeTime: true, TypeDatetime: true,
	TypePhone: true, TypeEmail: true, TypeURL: true,
	TypeCreditCard: true,
}

type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type ShowIf struct {
	FieldID string `json:"fieldId"`
	Equals  any    `json:"equals,omitempty"`
}

type Field struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Required    bool     `json:"required,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MinDate     string   `json:"minDate,omitempty"`
	MaxDate     string   `json:"maxDate,omitempty"`
	ShowIf      *ShowIf  `json:"showIf,omitempty"`
}

type Schema struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Fields []Field `json:"fields"`
}

type Result struct {
	Valid      bool     `json:"valid"`
	Normalized *Schema  `json:"normalized,omitempty"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
}

// Normalize validates an arbitrary decoded JSON object into a Schema.
// Valid is true only when no errors occurred and at least one field
// survived.
func Normalize(input map[string]any) Result {
	var res Result

	id, ok := input["id"].(string)
	if !ok || id == "" {
		res.Errors = append(res.Errors, "form id must be a non-empty string")
	}

	rawFields, ok := input["fields"].([]any)
	if !ok {
		res.Errors = append(res.Errors, "form fields must be an array")
		return res
	}

	title, _ := input["title"].(string)
	schema := &Schema{ID: id, Title: title}

	seen := make(map[string]bool)
	dupes := make(map[string]bool)
	for idx, raw := range rawFields {
		obj, ok := raw.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("field %d is not an object", idx))
			continue
		}

		field, ok := normalizeField(idx, obj, seen, dupes, &res)
		if !ok {
			continue
		}
		seen[field.ID] = true
		schema.Fields = append(schema.Fields, field)
	}

	// A duplicated id is ambiguous for every field carrying it, so the
	// whole group goes, not just the later occurrences.
	if len(dupes) > 0 {
		kept := schema.Fields[:0]
		for _, f := range schema.Fields {
			if !dupes[f.ID] {
				kept = append(kept, f)
			}
		}
		schema.Fields = kept
	}

	stripDanglingConditions(schema, &res)

	res.Normalized = schema
	res.Valid = len(res.Errors) == 0 && len(schema.Fields) > 0
	return res
}

func normalizeField(idx int, obj map[string]any, seen, dupes map[string]bool, res *Result) (Field, bool) {
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		res.Errors = append(res.Errors, fmt.Sprintf("field %d: id must be a non-empty string", idx))
		return Field{}, false
	}
	if seen[id] {
		res.Errors = append(res.Errors, fmt.Sprintf("field %q: duplicate id", id))
		dupes[id] = true
		return Field{}, false
	}

	label, ok := obj["label"].(string)
	if !ok || label == "" {
		res.Errors = append(res.Errors, fmt.Sprintf("field %q: label is required", id))
		return Field{}, false
	}

	fieldType, _ := obj["type"].(string)
	if !knownTypes[fieldType] {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: unknown type %q, using %s", id, fieldType, TypeString))
		fieldType = TypeString
	}

	field := Field{ID: id, Type: fieldType, Label: label}
	field.Required, _ = obj["required"].(bool)
	field.Placeholder, _ = obj["placeholder"].(string)

	adoptConstraints(&field, obj, res)

	switch field.Type {
	case TypeSelect, TypeMultiselect:
		field.Options = normalizeOptions(id, obj, res)
		if len(field.Options) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: %s has no valid options, using %s", id, field.Type, TypeString))
			field.Type = TypeString
		}
	}

	if raw, ok := obj["showIf"].(map[string]any); ok {
		if ref, ok := raw["fieldId"].(string); ok && ref != "" {
			field.ShowIf = &ShowIf{FieldID: ref, Equals: raw["equals"]}
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: showIf without fieldId dropped", id))
		}
	}

	return field, true
}

// adoptConstraints copies individually well-formed constraints and drops
// malformed ones with a warning.
func adoptConstraints(field *Field, obj map[string]any, res *Result) {
	minLen, hasMinLen := intValue(obj["minLength"])
	maxLen, hasMaxLen := intValue(obj["maxLength"])
	if hasMinLen && minLen < 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: negative minLength dropped", field.ID))
		hasMinLen = false
	}
	if hasMaxLen && maxLen < 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: negative maxLength dropped", field.ID))
		hasMaxLen = false
	}
	if hasMinLen && hasMaxLen && minLen > maxLen {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: minLength > maxLength, both dropped", field.ID))
		hasMinLen, hasMaxLen = false, false
	}
	if hasMinLen {
		field.MinLength = &minLen
	}
	if hasMaxLen {
		field.MaxLength = &maxLen
	}

	min, hasMin := floatValue(obj["min"])
	max, hasMax := floatValue(obj["max"])
	if hasMin && hasMax && min > max {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: min > max, both dropped", field.ID))
		hasMin, hasMax = false, false
	}
	if hasMin {
		field.Min = &min
	}
	if hasMax {
		field.Max = &max
	}

	if pattern, ok := obj["pattern"].(string); ok && pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: invalid pattern dropped: %v", field.ID, err))
		} else {
			field.Pattern = pattern
		}
	}

	if minDate, ok := obj["minDate"].(string); ok {
		field.MinDate = minDate
	}
	if maxDate, ok := obj["maxDate"].(string); ok {
		field.MaxDate = maxDate
	}
}

func normalizeOptions(fieldID string, obj map[string]any, res *Result) []Option {
	raw, ok := obj["options"].([]any)
	if !ok {
		return nil
	}

	var options []Option
	for i, entry := range raw {
		switch v := entry.(type) {
		case string:
			options = append(options, Option{Value: v, Label: v})
		case map[string]any:
			value, _ := v["value"].(string)
			if value == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: option %d missing value, skipped", fieldID, i))
				continue
			}
			label, _ := v["label"].(string)
			if label == "" {
				label = value
			}
			options = append(options, Option{Value: value, Label: label})
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: option %d is not a string or object, skipped", fieldID, i))
		}
	}
	return options
}

// stripDanglingConditions runs after the final field set is known: a
// showIf that names a missing field would hide the field forever.
func stripDanglingConditions(schema *Schema, res *Result) {
	ids := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		ids[f.ID] = true
	}
	for i := range schema.Fields {
		cond := schema.Fields[i].ShowIf
		if cond != nil && !ids[cond.FieldID] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("field %q: showIf references unknown field %q, condition dropped", schema.Fields[i].ID, cond.FieldID))
			schema.Fields[i].ShowIf = nil
		}
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
