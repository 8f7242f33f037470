// Package transport sends the HTTP requests a workflow step describes.
package transport

import (
	"context"

	"github.com/rendis/reqchain/pkg/schema"
)

// Request is a fully resolved HTTP request: templates already substituted,
// auth already applied, URL absolute.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Transport dispatches one request. Any completed HTTP exchange is a
// response, whatever its status code; an error means no response was
// obtained (guard rejection, connection failure, timeout, cancellation).
type Transport interface {
	Send(ctx context.Context, req *Request) (*schema.ResponseData, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req *Request) (*schema.ResponseData, error)

// Send calls f.
func (f Func) Send(ctx context.Context, req *Request) (*schema.ResponseData, error) {
	return f(ctx, req)
}
