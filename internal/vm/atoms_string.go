package vm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// String, object and JSON atoms.

var templateVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_$][A-Za-z0-9_$.]*)\s*\}\}`)

func registerStringAtoms(r *Registry) {
	r.Register(&Atom{
		Op:   "split",
		Docs: "Split a string on a separator.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			s, rerr := resolveStringField(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			sep, rerr := resolveStringField(c, input["separator"])
			if rerr != nil {
				return nil, rerr
			}
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "join",
		Docs: "Join array items into a string.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, rerr := resolveValue(c, input["items"])
			if rerr != nil {
				return nil, rerr
			}
			items, ok := asArray(raw)
			if !ok {
				return nil, failf("join", "Validation Error: items must be an array")
			}
			sep, rerr := resolveStringField(c, input["separator"])
			if rerr != nil {
				return nil, rerr
			}
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = valueToString(it)
			}
			return strings.Join(parts, sep), nil
		},
	})

	r.Register(&Atom{
		Op:   "template",
		Docs: "Replace {{name}} placeholders with resolved vars.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			tmpl, _ := input["template"].(string)
			vars, _ := input["vars"].(map[string]any)
			var firstErr *RunError
			out := templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
				if firstErr != nil {
					return ""
				}
				name := templateVarPattern.FindStringSubmatch(match)[1]
				var ref any = name
				if vars != nil {
					if v, ok := vars[name]; ok {
						ref = v
					}
				}
				v, rerr := resolveValue(c, ref)
				if rerr != nil {
					firstErr = rerr
					return ""
				}
				if v == nil {
					return ""
				}
				return valueToString(v)
			})
			if firstErr != nil {
				return nil, firstErr
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "regexMatch",
		Docs: "Match a pattern against a string. The host regex engine is never exposed to programs.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			s, rerr := resolveStringField(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			pattern, _ := input["pattern"].(string)
			flags, _ := input["flags"].(string)

			expr := pattern
			var mods []string
			if strings.Contains(flags, "i") {
				mods = append(mods, "i")
			}
			if strings.Contains(flags, "m") {
				mods = append(mods, "m")
			}
			if strings.Contains(flags, "s") {
				mods = append(mods, "s")
			}
			if len(mods) > 0 {
				expr = "(?" + strings.Join(mods, "") + ")" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, failf("regexMatch", "Validation Error: invalid pattern: %s", err.Error())
			}

			if strings.Contains(flags, "g") {
				matches := re.FindAllString(s, -1)
				out := make([]any, len(matches))
				for i, m := range matches {
					out[i] = m
				}
				return out, nil
			}
			groups := re.FindStringSubmatch(s)
			if groups == nil {
				return nil, nil
			}
			out := make([]any, len(groups))
			for i, g := range groups {
				out[i] = g
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "pick",
		Docs: "Project a mapping onto the named keys.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			m, ok := asMap(raw)
			if !ok {
				return nil, failf("pick", "Validation Error: value must be an object")
			}
			keys, ok := input["keys"].([]any)
			if !ok {
				return nil, failf("pick", "Validation Error: keys must be an array")
			}
			out := make(map[string]any, len(keys))
			for _, raw := range keys {
				name, ok := raw.(string)
				if !ok {
					continue
				}
				if isForbiddenProperty(name) {
					return nil, securityError("pick", name)
				}
				if v, present := m[name]; present {
					out[name] = v
				}
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "merge",
		Docs: "Shallow-merge mappings left to right into a new mapping.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, rerr := resolveValue(c, input["values"])
			if rerr != nil {
				return nil, rerr
			}
			items, ok := asArray(raw)
			if !ok {
				return nil, failf("merge", "Validation Error: values must be an array of objects")
			}
			out := map[string]any{}
			for _, it := range items {
				if it == nil {
					continue
				}
				m, ok := asMap(it)
				if !ok {
					return nil, failf("merge", "Validation Error: values must be objects")
				}
				for k, v := range m {
					if isForbiddenProperty(k) {
						continue
					}
					out[k] = v
				}
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "keys",
		Docs: "Keys of a mapping, lexically ordered.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			m, ok := asMap(raw)
			if !ok {
				return nil, failf("keys", "Validation Error: value must be an object")
			}
			names := sortedKeys(m)
			out := make([]any, len(names))
			for i, n := range names {
				out[i] = n
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "jsonParse",
		Docs: "Parse a JSON string.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			s, rerr := resolveStringField(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, failf("jsonParse", "Validation Error: %s", err.Error())
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "jsonStringify",
		Docs: "Serialise a value as JSON.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			var (
				data []byte
				err  error
			)
			if indent, ok := input["indent"].(bool); ok && indent {
				data, err = json.MarshalIndent(v, "", "  ")
			} else {
				data, err = json.Marshal(v)
			}
			if err != nil {
				return nil, failf("jsonStringify", "Validation Error: %s", err.Error())
			}
			return string(data), nil
		},
	})
}
