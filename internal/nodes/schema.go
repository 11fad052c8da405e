package nodes

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"github.com/edvin/autoflow/internal/apperr"
)

var validate = validator.New()

// Schema describes a kind's config: validator tags per field and defaults
// merged under the user's values.
type Schema struct {
	Fields   map[string]string
	Defaults map[string]any
}

// Prepare merges defaults into cfg without overriding user values.
func (s Schema) Prepare(cfg map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(cfg)+len(s.Defaults))
	for k, v := range cfg {
		out[k] = v
	}
	if len(s.Defaults) > 0 {
		if err := mergo.Merge(&out, s.Defaults); err != nil {
			return nil, fmt.Errorf("merge config defaults: %w", err)
		}
	}
	return out, nil
}

// CheckStatic verifies required fields are present and non-empty. It runs
// at activation, before templates are resolved.
func (s Schema) CheckStatic(cfg map[string]any) error {
	var missing []string
	for field, tag := range s.Fields {
		if !isRequired(tag) {
			continue
		}
		if _, hasDefault := s.Defaults[field]; hasDefault {
			continue
		}
		if isEmpty(cfg[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return apperr.Configuration("missing required config fields: %s", strings.Join(sortedCopy(missing), ", "))
	}
	return nil
}

// Check validates resolved config against every field rule.
func (s Schema) Check(cfg map[string]any) error {
	for _, field := range sortedKeys(s.Fields) {
		tag := s.Fields[field]
		v := cfg[field]
		if isEmpty(v) {
			if isRequired(tag) {
				return apperr.Configuration("config field %q is required", field)
			}
			continue
		}
		rules := withoutRequired(tag)
		if rules == "" {
			continue
		}
		if err := validate.Var(v, rules); err != nil {
			return apperr.Configuration("config field %q is invalid (%s)", field, rules)
		}
	}
	return nil
}

func withoutRequired(tag string) string {
	var parts []string
	for _, part := range strings.Split(tag, ",") {
		if part != "required" && part != "omitempty" && part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ",")
}

func isRequired(tag string) bool {
	for _, part := range strings.Split(tag, ",") {
		if part == "required" {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
