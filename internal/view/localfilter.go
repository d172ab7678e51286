package view

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"livetable/internal/table"
)

// localFilter is a client-side refinement predicate compiled from an
// expr-lang source string. It is evaluated against the row map and never
// rendered into the upstream query: the upstream sees only the DSL
// predicate, while membership in the view requires both to pass.
type localFilter struct {
	source  string
	program *vm.Program
}

// WithLocalFilter adds a client-side refinement filter to the view.
// The expression sees the row's columns as top-level variables, e.g.
// "age >= 21 && dept == 'Eng'". Compilation errors fail construction;
// evaluation errors at runtime count as non-match.
func WithLocalFilter(source string) Option {
	return func(v *View) error {
		prog, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("compile local filter: %w", err)
		}
		v.local = &localFilter{source: source, program: prog}
		return nil
	}
}

func (f *localFilter) matches(row table.Row) bool {
	result, err := expr.Run(f.program, row)
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}
