package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/reqchain/pkg/schema"
)

// CELPrefix selects the CEL dialect for a step expectation.
const CELPrefix = "cel:"

// Expectations evaluates the optional boolean assertion a step makes about
// its response. expr-lang is the default dialect.
type Expectations struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewExpectations creates an evaluator with both dialects ready.
func NewExpectations() (*Expectations, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Expectations{expr: NewExprEngine(), cel: celEngine}, nil
}

// Verify evaluates expression against resp. It returns nil when the
// expression is empty or true, and an EXPECTATION_FAILED error otherwise.
func (x *Expectations) Verify(ctx context.Context, expression string, resp *schema.ResponseData) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil
	}

	engine, src := x.pick(expression)
	out, err := engine.Evaluate(ctx, src, ResponseEnv(resp))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExpectation, "expectation %q could not be evaluated: %s", expression, err.Error()).
			WithCause(err)
	}

	ok, isBool := out.(bool)
	if !isBool {
		return schema.NewErrorf(schema.ErrCodeExpectation, "expectation %q returned %T, want bool", expression, out)
	}
	if !ok {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		return schema.NewErrorf(schema.ErrCodeExpectation, "expectation %q not met (status %d)", expression, status).
			WithDetails(map[string]any{"expression": expression, "status": status})
	}
	return nil
}

// Check reports whether expression compiles in its dialect.
func (x *Expectations) Check(expression string) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil
	}
	engine, src := x.pick(expression)
	return engine.Check(src)
}

func (x *Expectations) pick(expression string) (Engine, string) {
	if src, ok := strings.CutPrefix(expression, CELPrefix); ok {
		return x.cel, strings.TrimSpace(src)
	}
	return x.expr, expression
}

// ResponseEnv exposes a response to expectation expressions. body is the
// decoded JSON when the payload parses, otherwise the raw text.
func ResponseEnv(resp *schema.ResponseData) map[string]any {
	if resp == nil {
		return map[string]any{}
	}
	headers := make(map[string]any, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[strings.ToLower(k)] = v
	}
	var body any = resp.Body
	var decoded any
	if err := json.Unmarshal([]byte(resp.Body), &decoded); err == nil {
		body = decoded
	}
	return map[string]any{
		"status":     resp.Status,
		"statusText": resp.StatusText,
		"headers":    headers,
		"body":       body,
		"time":       int(resp.Time),
		"size":       int(resp.Size),
	}
}

