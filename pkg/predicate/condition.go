package predicate

import (
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/models"
)

var ErrEmptyCondition = errors.New("condition needs a field, conditions or expression")

// Condition is the parsed config of a condition node. Exactly one of the
// clause list or the expression is set.
type Condition struct {
	Clauses    []models.FilterClause
	MatchAny   bool
	Expression string
}

// ParseCondition reads one of the accepted condition config shapes:
//
//	{"field": "trigger.status", "operator": "eq", "value": "TODO"}
//	{"conditions": [{...}, {...}], "match": "any"}
//	{"expression": "trigger.priority > 3"}
func ParseCondition(config map[string]any) (Condition, error) {
	if source, ok := config["expression"].(string); ok && source != "" {
		_, err := CompileExpression(source)
		if err != nil {
			return Condition{}, err
		}

		return Condition{Expression: source}, nil
	}

	condition := Condition{}

	if match, ok := config["match"].(string); ok {
		switch match {
		case "any":
			condition.MatchAny = true
		case "all", "":
		default:
			return Condition{}, fmt.Errorf("unknown match mode %q", match)
		}
	}

	if raw, ok := config["conditions"].([]any); ok {
		for i, item := range raw {
			clauseMap, ok := item.(map[string]any)
			if !ok {
				return Condition{}, fmt.Errorf("conditions[%d] must be an object", i)
			}

			condition.Clauses = append(condition.Clauses, clauseFromMap(clauseMap))
		}
	} else if _, ok := config["field"]; ok {
		condition.Clauses = append(condition.Clauses, clauseFromMap(config))
	}

	if len(condition.Clauses) == 0 {
		return Condition{}, ErrEmptyCondition
	}

	for _, clause := range condition.Clauses {
		err := Check(clause)
		if err != nil {
			return Condition{}, err
		}
	}

	return condition, nil
}

// Evaluate runs the condition against data.
func (c Condition) Evaluate(data map[string]any) (bool, error) {
	if c.Expression != "" {
		return EvaluateExpression(c.Expression, data)
	}

	if !c.MatchAny {
		return Match(c.Clauses, data)
	}

	for _, clause := range c.Clauses {
		ok, err := Evaluate(clause, data)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

func clauseFromMap(raw map[string]any) models.FilterClause {
	field, _ := raw["field"].(string)
	operator, _ := raw["operator"].(string)

	return models.FilterClause{
		Field:    field,
		Operator: models.FilterOperator(operator),
		Value:    raw["value"],
	}
}
