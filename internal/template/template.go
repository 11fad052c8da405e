// Package template substitutes {{path.to.value}} placeholders in node
// configuration with values from the trigger payload and upstream outputs.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-\.]+)\s*\}\}`)

// Resolver resolves placeholders against a data scope. Unresolved paths are
// collected in Missing and rendered as empty strings.
type Resolver struct {
	scope   map[string]any
	Missing []string
}

func NewResolver(scope map[string]any) *Resolver {
	return &Resolver{scope: scope}
}

// Resolve walks maps and slices and substitutes every string it finds.
// A string consisting of exactly one placeholder resolves to the raw value,
// so numbers, lists and objects keep their type.
func (r *Resolver) Resolve(v any) any {
	switch t := v.(type) {
	case string:
		return r.resolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.Resolve(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Resolve(val)
		}
		return out
	default:
		return v
	}
}

// ResolveConfig resolves every value of a node config.
func (r *Resolver) ResolveConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return r.Resolve(cfg).(map[string]any)
}

func (r *Resolver) resolveString(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	trimmed := strings.TrimSpace(s)
	if m := placeholder.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		val, ok := Lookup(r.scope, m[1])
		if !ok {
			r.Missing = append(r.Missing, m[1])
			return ""
		}
		return val
	}

	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]
		val, ok := Lookup(r.scope, path)
		if !ok {
			r.Missing = append(r.Missing, path)
			return ""
		}
		return Stringify(val)
	})
}

// Lookup follows a dotted path through nested maps and slices. Numeric
// segments index into slices.
func Lookup(scope map[string]any, path string) (any, bool) {
	var cur any = scope
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []map[string]any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a value for interpolation inside a larger string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case bool, int, int32, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
