package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/reqchain/pkg/schema"
)

// CELEngine evaluates Common Expression Language expressions over a response.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares the response
// variables:
//   - status:     int
//   - statusText: string
//   - headers:    map(string, dyn)
//   - body:       dyn (decoded JSON, or the raw text when not JSON)
//   - time:       int (milliseconds)
//   - size:       int (bytes)
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("statusText", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("body", cel.DynType),
		cel.Variable("time", cel.IntType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, compileError("CEL", src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", src, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing response variables take
// zero values.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError(schema.ErrCodeExecution, "CEL", expression, err)
	}
	return out.Value(), nil
}

// Check reports whether expression compiles in the response environment.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.programs.get(expression)
	return err
}

// buildActivation fills in zero values for absent response variables so CEL
// never sees an unbound identifier.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		"status":     int64(0),
		"statusText": "",
		"headers":    map[string]any{},
		"body":       nil,
		"time":       int64(0),
		"size":       int64(0),
	}
	for k, v := range data {
		if _, known := activation[k]; known && v != nil {
			activation[k] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
