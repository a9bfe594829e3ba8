package predicate

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var programs sync.Map // expression source -> *vm.Program

// CompileExpression compiles a boolean expression such as
// `trigger.priority > 3 && trigger.status != "DONE"`.
func CompileExpression(source string) (*vm.Program, error) {
	if cached, ok := programs.Load(source); ok {
		program, _ := cached.(*vm.Program)

		return program, nil
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}

	programs.Store(source, program)

	return program, nil
}

// EvaluateExpression runs a boolean expression against env.
func EvaluateExpression(source string, env map[string]any) (bool, error) {
	program, err := CompileExpression(source)
	if err != nil {
		return false, err
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", source, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", source, output)
	}

	return result, nil
}
