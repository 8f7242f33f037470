package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/reqchain/pkg/schema"
)

// GoJQEngine evaluates jq filters against decoded response bodies.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	// No $ENV or env access from filters.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq filter with data as its input. One output is returned
// directly, several are collected into []any, and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs a jq filter against any JSON-shaped input and returns
// every output. Numbers are normalized first; json.Number is not a jq type.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(schema.ErrCodeExtraction, "jq", expression, err)
		}
		results = append(results, val)
	}
}

// Check reports whether expression is a valid jq filter.
func (e *GoJQEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression("jq")
	}
	_, err := e.programs.get(expression)
	return err
}

// normalizeForJQ converts Go values to the types gojq accepts: float64 or int
// numbers, []any, and map[string]any.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case int64:
		return int(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
