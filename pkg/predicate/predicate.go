// Package predicate evaluates the filter language used by trigger configs and condition nodes.
package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrEmptyField      = errors.New("clause field is required")
	ErrInRequiresList  = errors.New("operator in requires a list value")
)

// Check reports whether a clause is well formed without evaluating it.
func Check(clause models.FilterClause) error {
	if clause.Field == "" {
		return ErrEmptyField
	}

	switch clause.Operator {
	case models.OperatorEq, models.OperatorNe, models.OperatorGt, models.OperatorLt, models.OperatorContains:
		return nil
	case models.OperatorIn:
		if _, ok := asList(clause.Value); !ok {
			return fmt.Errorf("field %s: %w", clause.Field, ErrInRequiresList)
		}

		return nil
	default:
		return fmt.Errorf("field %s: %w %q", clause.Field, ErrUnknownOperator, clause.Operator)
	}
}

// Match reports whether every clause holds for data. An empty clause list always matches.
func Match(clauses []models.FilterClause, data map[string]any) (bool, error) {
	for _, clause := range clauses {
		ok, err := Evaluate(clause, data)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// Evaluate applies a single clause to data.
func Evaluate(clause models.FilterClause, data map[string]any) (bool, error) {
	err := Check(clause)
	if err != nil {
		return false, err
	}

	actual, found := Lookup(data, clause.Field)

	switch clause.Operator {
	case models.OperatorEq:
		return found && equal(actual, clause.Value), nil
	case models.OperatorNe:
		return !found || !equal(actual, clause.Value), nil
	case models.OperatorGt:
		return found && compare(actual, clause.Value) > 0, nil
	case models.OperatorLt:
		return found && compare(actual, clause.Value) < 0, nil
	case models.OperatorContains:
		return found && contains(actual, clause.Value), nil
	case models.OperatorIn:
		list, _ := asList(clause.Value)
		if !found {
			return false, nil
		}

		for _, candidate := range list {
			if equal(actual, candidate) {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("%w %q", ErrUnknownOperator, clause.Operator)
	}
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)

		return ok && af == bf
	}

	if as, ok := a.(string); ok {
		bs, ok := b.(string)

		return ok && as == bs
	}

	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically, RFC 3339 timestamps chronologically and
// other strings lexically. Incomparable values compare as equal.
func compare(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}

		return 0
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if !aok || !bok {
		return 0
	}

	at, aerr := time.Parse(time.RFC3339, as)
	bt, berr := time.Parse(time.RFC3339, bs)

	if aerr == nil && berr == nil {
		return at.Compare(bt)
	}

	return strings.Compare(as, bs)
}

func contains(haystack, needle any) bool {
	switch typed := haystack.(type) {
	case string:
		s, ok := needle.(string)

		return ok && strings.Contains(typed, s)
	default:
		list, ok := asList(haystack)
		if !ok {
			return false
		}

		for _, item := range list {
			if equal(item, needle) {
				return true
			}
		}

		return false
	}
}

func asList(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}

		return out, true
	default:
		return nil, false
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		f, err := typed.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}
