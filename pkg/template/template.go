// Package template interpolates {{path}} references in node configuration.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dukex/autoflow/pkg/predicate"
)

var ErrUnresolved = errors.New("unresolved reference")

var referencePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// UnresolvedError lists every reference that could not be resolved.
type UnresolvedError struct {
	References []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnresolved, strings.Join(e.References, ", "))
}

func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

// Render resolves the references of input against data. A string made of a
// single reference returns the referenced value with its type preserved;
// otherwise the result is a string.
func Render(input string, data map[string]any) (any, error) {
	var missing []string

	result := render(input, data, &missing)
	if len(missing) > 0 {
		return nil, &UnresolvedError{References: missing}
	}

	return result, nil
}

// RenderConfig renders every string found in a nested config document.
func RenderConfig(config map[string]any, data map[string]any) (map[string]any, error) {
	var missing []string

	rendered, _ := renderValue(config, data, &missing).(map[string]any)
	if len(missing) > 0 {
		return nil, &UnresolvedError{References: missing}
	}

	return rendered, nil
}

// References returns the paths referenced by input.
func References(input string) []string {
	matches := referencePattern.FindAllStringSubmatch(input, -1)

	refs := make([]string, 0, len(matches))
	for _, match := range matches {
		refs = append(refs, match[1])
	}

	return refs
}

func renderValue(value any, data map[string]any, missing *[]string) any {
	switch typed := value.(type) {
	case string:
		return render(typed, data, missing)
	case map[string]any:
		if typed == nil {
			return map[string]any(nil)
		}

		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = renderValue(v, data, missing)
		}

		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = renderValue(v, data, missing)
		}

		return out
	default:
		return value
	}
}

func render(input string, data map[string]any, missing *[]string) any {
	trimmed := strings.TrimSpace(input)

	if match := referencePattern.FindStringSubmatchIndex(trimmed); match != nil && match[0] == 0 && match[1] == len(trimmed) {
		path := trimmed[match[2]:match[3]]

		value, ok := predicate.Lookup(data, path)
		if !ok {
			*missing = append(*missing, "{{"+path+"}}")

			return nil
		}

		return value
	}

	return referencePattern.ReplaceAllStringFunc(input, func(token string) string {
		path := referencePattern.FindStringSubmatch(token)[1]

		value, ok := predicate.Lookup(data, path)
		if !ok {
			*missing = append(*missing, "{{"+path+"}}")

			return ""
		}

		return stringify(value)
	})
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	case fmt.Stringer:
		return typed.String()
	case map[string]any, []any:
		body, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}

		return string(body)
	default:
		return fmt.Sprint(typed)
	}
}
