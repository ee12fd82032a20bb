package vm

import (
	"fmt"
	"sort"
)

// Schema is the structural value descriptor used by atom input validation,
// the return atom and the Schema builtins. It is deliberately small: type,
// properties, required, items, enum. Full contract enforcement is the
// business of the embedder's schema service; the engine only needs to
// enumerate and type-check.
type Schema struct {
	Type       string
	Properties map[string]*Schema
	Required   []string
	Items      *Schema
	Enum       []any
}

// Obj builds an object schema from property descriptors.
func Obj(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// Typed builds a scalar schema.
func Typed(t string) *Schema { return &Schema{Type: t} }

// SchemaFromMap converts a wire-form descriptor (a JSON object with
// "type"/"properties"/...) into a Schema. Unknown fields are ignored.
func SchemaFromMap(m map[string]any) *Schema {
	if m == nil {
		return nil
	}
	s := &Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = t
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*Schema, len(props))
		for k, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[k] = SchemaFromMap(pm)
			} else {
				s.Properties[k] = &Schema{}
			}
		}
		if s.Type == "" {
			s.Type = "object"
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = SchemaFromMap(items)
		if s.Type == "" {
			s.Type = "array"
		}
	}
	if enum, ok := m["enum"].([]any); ok {
		s.Enum = enum
	}
	return s
}

// ToMap renders the schema back into wire form.
func (s *Schema) ToMap() map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if len(s.Properties) > 0 {
		props := map[string]any{}
		for k, v := range s.Properties {
			props[k] = v.ToMap()
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		out["required"] = req
	}
	if s.Items != nil {
		out["items"] = s.Items.ToMap()
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	return out
}

// PropertyNames enumerates declared properties in lexical order.
func (s *Schema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks v against the schema, returning the first mismatch.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	if len(s.Enum) > 0 {
		for _, e := range s.Enum {
			if looseEq(e, v) {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of the allowed values", v)
	}
	switch s.Type {
	case "", "any":
	case "object":
		m, ok := asMap(v)
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for _, req := range s.Required {
			if _, present := m[req]; !present {
				return fmt.Errorf("missing required property '%s'", req)
			}
		}
		for name, prop := range s.Properties {
			if pv, present := m[name]; present && pv != nil {
				if err := prop.Validate(pv); err != nil {
					return fmt.Errorf("property '%s': %w", name, err)
				}
			}
		}
	case "array":
		arr, ok := asArray(v)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.Validate(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case "number", "integer":
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case "null":
		if v != nil {
			return fmt.Errorf("expected null, got %T", v)
		}
	default:
		return fmt.Errorf("unsupported schema type '%s'", s.Type)
	}
	return nil
}

// Filter strips properties not declared by an object schema. Non-object
// schemas and non-object values pass through untouched.
func (s *Schema) Filter(v any) any {
	if s == nil || len(s.Properties) == 0 {
		return v
	}
	m, ok := asMap(v)
	if !ok {
		return v
	}
	out := make(map[string]any, len(s.Properties))
	for name, prop := range s.Properties {
		if pv, present := m[name]; present {
			out[name] = prop.Filter(pv)
		}
	}
	return out
}

// SchemaFromExample infers a schema from an example value.
func SchemaFromExample(v any) *Schema {
	switch n := v.(type) {
	case nil:
		return &Schema{Type: "null"}
	case bool:
		return &Schema{Type: "boolean"}
	case string:
		return &Schema{Type: "string"}
	case []any:
		s := &Schema{Type: "array"}
		if len(n) > 0 {
			s.Items = SchemaFromExample(n[0])
		}
		return s
	case map[string]any:
		s := &Schema{Type: "object", Properties: make(map[string]*Schema, len(n))}
		for _, k := range sortedKeys(n) {
			s.Properties[k] = SchemaFromExample(n[k])
		}
		return s
	default:
		if _, ok := toFloat(v); ok {
			return &Schema{Type: "number"}
		}
		return &Schema{}
	}
}
