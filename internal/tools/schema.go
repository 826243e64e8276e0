package tools

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/stockchat/internal/errs"
)

// FieldType is a JSON schema primitive.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeArray  FieldType = "array"
)

// Field declares one argument of a tool.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Optional    bool
	// Items describes the object elements of an array field.
	Items Schema
}

// Schema is the ordered field list of an object argument.
type Schema []Field

// JSONSchema renders the schema as a JSON Schema object for the model.
func (s Schema) JSONSchema() json.RawMessage {
	data, err := json.Marshal(s.object())
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func (s Schema) object() map[string]any {
	props := make(map[string]any, len(s))
	required := []string{}
	for _, f := range s {
		p := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if f.Type == TypeArray {
			p["items"] = f.Items.object()
		}
		props[f.Name] = p
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Validate checks decoded arguments against the schema. Failures are
// *errs.ValidationError values naming the offending field path.
func (s Schema) Validate(tool string, args map[string]any) error {
	return s.validate(tool, "", args)
}

func (s Schema) validate(tool, prefix string, args map[string]any) error {
	for _, f := range s {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		v, ok := args[f.Name]
		if !ok || v == nil {
			if f.Optional {
				continue
			}
			return errs.Validation(tool, path, "required")
		}
		if err := f.check(tool, path, v); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) check(tool, path string, v any) error {
	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return errs.Validation(tool, path, "expected string, got %s", jsonKind(v))
		}
	case TypeNumber:
		if _, ok := v.(float64); !ok {
			return errs.Validation(tool, path, "expected number, got %s", jsonKind(v))
		}
	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			return errs.Validation(tool, path, "expected array, got %s", jsonKind(v))
		}
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return errs.Validation(tool, fmt.Sprintf("%s[%d]", path, i), "expected object, got %s", jsonKind(item))
			}
			if err := f.Items.validate(tool, fmt.Sprintf("%s[%d]", path, i), obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
