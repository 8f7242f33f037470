package expressions

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/rendis/reqchain/internal/jsonpath"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/pkg/schema"
)

// JQPrefix selects the jq dialect for an extraction expression.
const JQPrefix = "jq:"

// Extractor resolves variable extractions against response bodies.
// Extraction problems never fail a step: an expression that cannot be
// compiled or does not match simply binds nothing.
type Extractor struct {
	jq     *GoJQEngine
	logger *slog.Logger

	mu    sync.RWMutex
	paths map[string]*jsonpath.Path
}

// NewExtractor creates an Extractor. A nil logger discards output.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Extractor{
		jq:     NewGoJQEngine(),
		logger: logger,
		paths:  make(map[string]*jsonpath.Path),
	}
}

// Extract evaluates each extraction against body and returns the names that
// resolved. Later extractions of the same name overwrite earlier ones.
func (x *Extractor) Extract(ctx context.Context, body string, extractions []schema.VariableExtraction) map[string]any {
	out := make(map[string]any)
	if len(extractions) == 0 {
		return out
	}

	log := logging.LogWith(ctx, x.logger)

	root, err := jsonpath.Parse([]byte(body))
	if err != nil {
		log.Debug("response body is not JSON; extractions unmatched", "error", err)
		return out
	}

	for _, ex := range extractions {
		val, ok, err := x.evaluate(ctx, ex.JSONPath, root)
		if err != nil {
			log.Warn("extraction failed", "variable", ex.Name, "expression", ex.JSONPath, "error", err)
			continue
		}
		if !ok {
			log.Debug("extraction unmatched", "variable", ex.Name, "expression", ex.JSONPath)
			continue
		}
		out[ex.Name] = val
	}
	return out
}

func (x *Extractor) evaluate(ctx context.Context, expression string, root jsonpath.Value) (any, bool, error) {
	if filter, ok := strings.CutPrefix(expression, JQPrefix); ok {
		results, err := x.jq.EvaluateAll(ctx, strings.TrimSpace(filter), root.Interface())
		if err != nil {
			return nil, false, err
		}
		switch len(results) {
		case 0:
			return nil, false, nil
		case 1:
			return results[0], true, nil
		default:
			return results, true, nil
		}
	}

	path, err := x.compile(expression)
	if err != nil {
		return nil, false, err
	}
	val, ok := path.Eval(root)
	if !ok {
		return nil, false, nil
	}
	return val.Interface(), true, nil
}

// Check reports whether an extraction expression is syntactically valid.
func (x *Extractor) Check(expression string) error {
	if filter, ok := strings.CutPrefix(expression, JQPrefix); ok {
		return x.jq.Check(strings.TrimSpace(filter))
	}
	_, err := x.compile(expression)
	return err
}

func (x *Extractor) compile(expression string) (*jsonpath.Path, error) {
	x.mu.RLock()
	p, ok := x.paths[expression]
	x.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSONPath %q", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	x.mu.Lock()
	x.paths[expression] = p
	x.mu.Unlock()
	return p, nil
}
