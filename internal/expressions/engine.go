package expressions

import "context"

// Engine evaluates expressions against response data.
// Three implementations: GoJQ (jq: extractions), Expr (expectations), CEL (cel: expectations).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles expression without evaluating it.
	Check(expression string) error
}
