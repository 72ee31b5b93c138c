package withitems

import (
	"fmt"
	"regexp"
	"strings"
)

var declRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s+in\s+(.+?)\s*$`)

// ParseVariables parses with-items declarations such as "x in <% $.xs %>".
// Declaration order is preserved; the first variable determines the
// iteration count.
func ParseVariables(decls []string) ([]Variable, error) {
	if len(decls) == 0 {
		return nil, fmt.Errorf("with-items requires at least one variable")
	}

	vars := make([]Variable, 0, len(decls))
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		m := declRe.FindStringSubmatch(d)
		if m == nil {
			return nil, fmt.Errorf("invalid with-items declaration %q: expected \"<name> in <expression>\"", d)
		}
		name, expr := m[1], m[2]
		if seen[name] {
			return nil, fmt.Errorf("duplicate with-items variable %q", name)
		}
		seen[name] = true
		vars = append(vars, Variable{Name: name, Expr: expr})
	}
	return vars, nil
}

// NewPublish builds a publish clause from a single-entry mapping
func NewPublish(m map[string]any) (*Publish, error) {
	if len(m) == 0 {
		return nil, nil
	}
	if len(m) > 1 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		return nil, fmt.Errorf("publish supports exactly one key, got %d (%s)", len(m), strings.Join(keys, ", "))
	}
	for k, v := range m {
		if k == "" {
			return nil, fmt.Errorf("publish key cannot be empty")
		}
		return &Publish{Key: k, Expr: v}, nil
	}
	return nil, nil
}
