package executor

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// varPattern matches {{ variable }} syntax.
var varPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Vars holds the values step commands can reference.
type Vars map[string]any

// NewVars builds the variable scope for a job: the job's own vars plus the
// local environment under "env".
func NewVars(jobVars map[string]any) Vars {
	v := make(Vars, len(jobVars)+2)
	for k, val := range jobVars {
		v[k] = val
	}
	v["env"] = getEnvMap()
	return v
}

// SetFacts makes gathered facts available as {{ facts.<name> }}.
func (v Vars) SetFacts(facts map[string]any) {
	v["facts"] = facts
}

// Interpolate replaces every {{ expr }} in s. Referencing an undefined
// variable without a default filter is an error.
func (v Vars) Interpolate(s string) (string, error) {
	var firstErr error

	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := varPattern.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}

		val, err := v.resolve(inner[1])
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// resolve evaluates a variable expression with an optional filter chain,
// e.g. profile | default('debug') | upper.
func (v Vars) resolve(expr string) (any, error) {
	parts := strings.Split(expr, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil, fmt.Errorf("empty variable expression %q", expr)
	}

	val, found := v.lookup(name)
	for _, filter := range parts[1:] {
		var err error
		val, err = applyFilter(val, strings.TrimSpace(filter))
		if err != nil {
			return nil, fmt.Errorf("variable '%s': %w", name, err)
		}
		if val != nil {
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("undefined variable '%s'", name)
	}
	return val, nil
}

// lookup finds a variable by name or dotted path.
func (v Vars) lookup(name string) (any, bool) {
	if val, ok := v[name]; ok {
		return val, true
	}

	if !strings.Contains(name, ".") {
		return nil, false
	}

	var current any = map[string]any(v)
	for _, part := range strings.Split(name, ".") {
		var ok bool
		switch c := current.(type) {
		case map[string]any:
			current, ok = c[part]
		case map[string]string:
			current, ok = c[part]
		case Vars:
			current, ok = c[part]
		}
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// applyFilter applies one named filter to a value.
func applyFilter(val any, filter string) (any, error) {
	filterName := filter
	var filterArg string

	if idx := strings.Index(filter, "("); idx > 0 {
		filterName = strings.TrimSpace(filter[:idx])
		argPart := filter[idx+1:]
		if endIdx := strings.LastIndex(argPart, ")"); endIdx >= 0 {
			filterArg = strings.TrimSpace(argPart[:endIdx])
			filterArg = strings.Trim(filterArg, "'\"")
		}
	}

	switch filterName {
	case "default":
		if val == nil || val == "" {
			return filterArg, nil
		}
		return val, nil

	case "lower":
		if s, ok := val.(string); ok {
			return strings.ToLower(s), nil
		}
		return val, nil

	case "upper":
		if s, ok := val.(string); ok {
			return strings.ToUpper(s), nil
		}
		return val, nil

	case "trim":
		if s, ok := val.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return val, nil

	case "quote":
		if val == nil {
			return nil, nil
		}
		return connector.ShellQuote(stringify(val)), nil

	case "join":
		if slice, ok := val.([]any); ok {
			sep := filterArg
			if sep == "" {
				sep = ","
			}
			parts := make([]string, 0, len(slice))
			for _, item := range slice {
				parts = append(parts, stringify(item))
			}
			return strings.Join(parts, sep), nil
		}
		return val, nil

	default:
		return nil, fmt.Errorf("unknown filter: %s", filterName)
	}
}

func stringify(val any) string {
	if val == nil {
		return ""
	}
	return fmt.Sprintf("%v", val)
}

// getEnvMap returns the local environment as a map.
func getEnvMap() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}
	return env
}
