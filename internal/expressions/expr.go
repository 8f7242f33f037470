package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/reqchain/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It is the default dialect for
// step expectations such as `status == 200 && body.id != nil`.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

// compileExpr builds against an untyped environment so one program serves
// response bodies of any shape.
func compileExpr(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", src, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(schema.ErrCodeExecution, "expr", expression, err)
	}
	return out, nil
}

// Check reports whether expression compiles.
func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("expr")
	}
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
