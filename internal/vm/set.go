package vm

import "fmt"

// SetValue is the mutable collection produced by the Set(...) builtin
// factory. Insertion order is preserved; membership uses strict equality.
// It serialises as a plain array.
type SetValue struct {
	items []any
}

// NewSet builds a set from initial items, dropping duplicates.
func NewSet(items []any) *SetValue {
	s := &SetValue{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add inserts v when not already present.
func (s *SetValue) Add(v any) *SetValue {
	if !s.Has(v) {
		s.items = append(s.items, v)
	}
	return s
}

// Remove deletes v, reporting whether it was present.
func (s *SetValue) Remove(v any) bool {
	for i, it := range s.items {
		if strictEq(it, v) {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the set.
func (s *SetValue) Clear() { s.items = nil }

// Has reports membership.
func (s *SetValue) Has(v any) bool {
	for _, it := range s.items {
		if strictEq(it, v) {
			return true
		}
	}
	return false
}

// Size returns the element count.
func (s *SetValue) Size() int { return len(s.items) }

// Union returns a new set with the elements of both.
func (s *SetValue) Union(other *SetValue) *SetValue {
	out := NewSet(s.items)
	for _, it := range other.items {
		out.Add(it)
	}
	return out
}

// Intersection returns a new set with the shared elements.
func (s *SetValue) Intersection(other *SetValue) *SetValue {
	out := &SetValue{}
	for _, it := range s.items {
		if other.Has(it) {
			out.Add(it)
		}
	}
	return out
}

// Diff returns a new set with the elements of s absent from other.
func (s *SetValue) Diff(other *SetValue) *SetValue {
	out := &SetValue{}
	for _, it := range s.items {
		if !other.Has(it) {
			out.Add(it)
		}
	}
	return out
}

// ToArray copies the elements in insertion order.
func (s *SetValue) ToArray() []any {
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

// MarshalJSON serialises the set as an array.
func (s *SetValue) MarshalJSON() ([]byte, error) {
	return marshalJSONValue(s.ToArray())
}

func (s *SetValue) String() string {
	return fmt.Sprintf("Set(%d)", len(s.items))
}

// callMethod dispatches an expression-level method call on the set. The
// map/filter/forEach variants accept a builtin function value (for example
// Math.sqrt obtained by member access) as their callback.
func (s *SetValue) callMethod(name string, args []any) (any, error) {
	switch name {
	case "add":
		if len(args) < 1 {
			return nil, fmt.Errorf("add expects a value")
		}
		return s.Add(args[0]), nil
	case "remove", "delete":
		if len(args) < 1 {
			return nil, fmt.Errorf("remove expects a value")
		}
		return s.Remove(args[0]), nil
	case "clear":
		s.Clear()
		return s, nil
	case "has":
		if len(args) < 1 {
			return false, nil
		}
		return s.Has(args[0]), nil
	case "size":
		return s.Size(), nil
	case "union", "intersection", "diff":
		other, err := setArg(name, args)
		if err != nil {
			return nil, err
		}
		switch name {
		case "union":
			return s.Union(other), nil
		case "intersection":
			return s.Intersection(other), nil
		default:
			return s.Diff(other), nil
		}
	case "map", "filter", "forEach":
		if len(args) < 1 {
			return nil, fmt.Errorf("%s expects a function", name)
		}
		fn, ok := args[0].(builtinFunc)
		if !ok {
			return nil, fmt.Errorf("%s expects a function, got %T", name, args[0])
		}
		switch name {
		case "map":
			out := make([]any, 0, len(s.items))
			for _, it := range s.items {
				v, err := fn([]any{it})
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		case "filter":
			out := &SetValue{}
			for _, it := range s.items {
				v, err := fn([]any{it})
				if err != nil {
					return nil, err
				}
				if truthy(v) {
					out.Add(it)
				}
			}
			return out, nil
		default:
			for _, it := range s.items {
				if _, err := fn([]any{it}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}
	case "toArray", "toJSON":
		return s.ToArray(), nil
	default:
		return nil, fmt.Errorf("'%s' is not a Set method", name)
	}
}

func setArg(method string, args []any) (*SetValue, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%s expects a Set or array", method)
	}
	switch v := args[0].(type) {
	case *SetValue:
		return v, nil
	case []any:
		return NewSet(v), nil
	default:
		return nil, fmt.Errorf("%s expects a Set or array, got %T", method, args[0])
	}
}
