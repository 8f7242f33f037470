package expressions

import (
	"sync"

	"github.com/rendis/reqchain/pkg/schema"
)

// programCache memoizes compiled programs by source text. Failed compiles
// are not cached. Safe for concurrent use.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu      sync.RWMutex
	entries map[string]P
}

func newProgramCache[P any](compile func(src string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, entries: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.entries[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent caller may have won; keep the first program.
	if prev, ok := c.entries[src]; ok {
		return prev, nil
	}
	c.entries[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// compileError reports a source that failed to parse or compile.
func compileError(dialect, expression string, err error) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", dialect, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evalError reports a compiled expression that failed at run time.
func evalError(code, dialect, expression string, err error) *schema.ChainError {
	return schema.NewErrorf(code, "%s evaluation failed for %q: %s", dialect, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(dialect string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", dialect)
}
