package types

// ToolField is a flattened (non-nested) parameter declaration. Tools may
// declare parameters either as a full JSONSchema tree or as a flat field
// list; the normalizer auto-wraps flat declarations into a single object
// node before applying backend-family rules.
type ToolField struct {
	Name        string     `json:"name"`
	Type        SchemaType `json:"type"`
	Description string     `json:"description,omitempty"`
	Required    bool       `json:"required,omitempty"`
	Enum        []any      `json:"enum,omitempty"`
}

// ToolSpec defines a tool's interface in the canonical representation.
// Immutable at runtime. Exactly one of Parameters or Fields should be set;
// when both are present, Parameters wins.
type ToolSpec struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Parameters  *JSONSchema `json:"parameters,omitempty"`
	Fields      []ToolField `json:"fields,omitempty"`
}

// Schema returns the canonical nested schema, wrapping flat field
// declarations into an object node when needed. Always returns a copy the
// caller may mutate.
func (t ToolSpec) Schema() *JSONSchema {
	if t.Parameters != nil {
		return t.Parameters.Clone()
	}
	obj := NewObjectSchema()
	for _, f := range t.Fields {
		prop := &JSONSchema{Type: f.Type, Description: f.Description, Enum: append([]any(nil), f.Enum...)}
		obj.AddProperty(f.Name, prop)
		if f.Required {
			obj.AddRequired(f.Name)
		}
	}
	return obj
}
