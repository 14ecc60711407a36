package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrValidation wraps every schema violation.
var ErrValidation = errors.New("schema validation failed")

// FieldType is the JSON type a field must have.
type FieldType string

const (
	TypeAny     FieldType = "any"
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field is the validation rule for one document field.
type Field struct {
	Name     string    `mapstructure:"name" json:"name"`
	Type     FieldType `mapstructure:"type" json:"type"`
	Required bool      `mapstructure:"required" json:"required,omitempty"`
}

// Schema is applied to documents when they are written locally, pulled or pushed.
// Fields not listed in the schema are allowed.
type Schema struct {
	Fields []Field `mapstructure:"fields" json:"fields"`
}

// Check verifies that the schema itself is well formed.
func (s *Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("schema field %q is declared twice", f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case "", TypeAny, TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("schema field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

// Validate checks doc against the schema. A nil schema accepts every document.
func (s *Schema) Validate(doc Document) error {
	if _, err := doc.ID(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s == nil {
		return nil
	}

	for _, f := range s.Fields {
		v, ok := doc[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%w: field %q is required", ErrValidation, f.Name)
			}
			continue
		}
		if !matchesType(f.Type, v) {
			return fmt.Errorf("%w: field %q must be of type %s (got %T)", ErrValidation, f.Name, f.Type, v)
		}
	}
	return nil
}

// numberWrappers are the Extended JSON forms of numbers that plain JSON cannot type.
var numberWrappers = []string{"$numberLong", "$numberInt", "$numberDouble", "$numberDecimal"}

func matchesType(t FieldType, v any) bool {
	switch t {
	case "", TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		if _, ok := v.(json.Number); ok {
			return true
		}
		if wrapped, ok := v.(map[string]any); ok && len(wrapped) == 1 {
			for _, key := range numberWrappers {
				if _, ok := wrapped[key].(string); ok {
					return true
				}
			}
		}
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	}

	kind := reflect.TypeOf(v).Kind()
	switch t {
	case TypeNumber:
		switch kind {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
	case TypeObject:
		return kind == reflect.Map
	case TypeArray:
		return kind == reflect.Slice || kind == reflect.Array
	}
	return false
}
