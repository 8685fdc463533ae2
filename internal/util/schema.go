package util

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// ValidationError describes the first payload field that failed validation.
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}

	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Property is one top-level field of a Schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is a flat JSON object schema for connector payloads.
type Schema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// SchemaOf derives a Schema from the exported fields of a struct value.
// Fields are named by their json tag; fields without omitempty that are not
// pointers are required. Non-struct values yield an empty schema.
func SchemaOf(v any) Schema {
	s := Schema{Properties: map[string]Property{}}

	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == nil || t.Kind() != reflect.Struct {
		return s
	}

	for field := range fields(t) {
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}

		if name == "" {
			name = field.Name
		}

		s.Properties[name] = Property{
			Type:        jsonType(field.Type),
			Description: field.Tag.Get("description"),
		}

		if !strings.Contains(","+opts+",", ",omitempty,") && field.Type.Kind() != reflect.Pointer {
			s.Required = append(s.Required, name)
		}
	}

	return s
}

func fields(t reflect.Type) func(yield func(reflect.StructField) bool) {
	return func(yield func(reflect.StructField) bool) {
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() && !yield(f) {
				return
			}
		}
	}
}

// Validate checks that payload is a JSON object holding every required field
// with the declared types. Unknown fields and null values are accepted.
func (s Schema) Validate(payload string) error {
	if !gjson.Valid(payload) {
		return &ValidationError{Message: "payload is not valid JSON"}
	}

	root := gjson.Parse(payload)
	if !root.IsObject() {
		return &ValidationError{Message: "payload is not a JSON object"}
	}

	values := root.Map()

	for _, name := range s.Required {
		if _, ok := values[name]; !ok {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	for name, value := range values {
		prop, ok := s.Properties[name]
		if !ok {
			continue
		}

		if !matches(value, prop.Type) {
			return &ValidationError{
				Field:   name,
				Value:   value.Raw,
				Message: fmt.Sprintf("expected type %s, got %s", prop.Type, value.Type),
			}
		}
	}

	return nil
}

// Map renders the schema in JSON schema form.
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}

		props[name] = prop
	}

	out := map[string]any{"type": "object", "properties": props}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}

	return out
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return jsonType(t.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

func matches(v gjson.Result, want string) bool {
	if v.Type == gjson.Null {
		return true
	}

	switch want {
	case "string":
		return v.Type == gjson.String
	case "integer":
		return v.Type == gjson.Number && v.Num == math.Trunc(v.Num)
	case "number":
		return v.Type == gjson.Number
	case "boolean":
		return v.IsBool()
	case "array":
		return v.IsArray()
	case "object":
		return v.IsObject()
	default:
		return true
	}
}
