package types

import (
	"encoding/json"
	"fmt"
)

// SchemaType represents JSON Schema types.
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// JSONSchema is the canonical parameter schema representation. Tool authors
// declare parameters once in this form; backend-family-specific variants are
// compiled from it by the schema normalizer.
type JSONSchema struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type SchemaType `json:"type,omitempty"`
	// Types expresses a union of types ("type": ["string","null"]). Some
	// backend families reject unions outright; the normalizer flattens them.
	Types []SchemaType `json:"types,omitempty"`

	// Object properties
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`

	// Array items
	Items *JSONSchema `json:"items,omitempty"`

	// Union constructs
	AnyOf []*JSONSchema `json:"anyOf,omitempty"`
	OneOf []*JSONSchema `json:"oneOf,omitempty"`

	// Ref names another node in the same tree ("$ref"); self-reference is
	// rejected by some backend families.
	Ref string `json:"$ref,omitempty"`

	// Enum and const
	Enum []any `json:"enum,omitempty"`

	// Constraints
	Pattern string   `json:"pattern,omitempty"`
	Format  string   `json:"format,omitempty"`
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	Default any `json:"default,omitempty"`
}

// NewObjectSchema creates a new object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       SchemaTypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// NewArraySchema creates a new array schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: SchemaTypeArray, Items: items}
}

// NewStringSchema creates a new string schema.
func NewStringSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeString}
}

// NewNumberSchema creates a new number schema.
func NewNumberSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeNumber}
}

// NewIntegerSchema creates a new integer schema.
func NewIntegerSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeInteger}
}

// NewBooleanSchema creates a new boolean schema.
func NewBooleanSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeBoolean}
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired adds required field names.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithDescription sets the description.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// Clone returns a deep copy of the schema. Shared subtrees are duplicated;
// reference cycles are preserved as cycles.
func (s *JSONSchema) Clone() *JSONSchema {
	return cloneSchema(s, make(map[*JSONSchema]*JSONSchema))
}

func cloneSchema(s *JSONSchema, seen map[*JSONSchema]*JSONSchema) *JSONSchema {
	if s == nil {
		return nil
	}
	if dup, ok := seen[s]; ok {
		return dup
	}
	dup := &JSONSchema{}
	seen[s] = dup
	*dup = *s
	if s.Properties != nil {
		dup.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for k, v := range s.Properties {
			dup.Properties[k] = cloneSchema(v, seen)
		}
	}
	dup.Required = append([]string(nil), s.Required...)
	dup.Types = append([]SchemaType(nil), s.Types...)
	dup.Enum = append([]any(nil), s.Enum...)
	dup.Items = cloneSchema(s.Items, seen)
	if s.AnyOf != nil {
		dup.AnyOf = make([]*JSONSchema, len(s.AnyOf))
		for i, v := range s.AnyOf {
			dup.AnyOf[i] = cloneSchema(v, seen)
		}
	}
	if s.OneOf != nil {
		dup.OneOf = make([]*JSONSchema, len(s.OneOf))
		for i, v := range s.OneOf {
			dup.OneOf[i] = cloneSchema(v, seen)
		}
	}
	if s.AdditionalProperties != nil {
		v := *s.AdditionalProperties
		dup.AdditionalProperties = &v
	}
	if s.Minimum != nil {
		v := *s.Minimum
		dup.Minimum = &v
	}
	if s.Maximum != nil {
		v := *s.Maximum
		dup.Maximum = &v
	}
	return dup
}

// MarshalJSON emits wire-format JSON Schema: the Types union is folded back
// into the standard "type" array form.
func (s *JSONSchema) MarshalJSON() ([]byte, error) {
	type alias JSONSchema
	if len(s.Types) == 0 {
		return json.Marshal((*alias)(s))
	}
	raw, err := json.Marshal(&struct {
		*alias
		Type  []SchemaType `json:"type"`
		Types []SchemaType `json:"types,omitempty"`
	}{alias: (*alias)(s), Type: s.Types})
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return raw, nil
}
