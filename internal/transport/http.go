package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/pkg/schema"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Timeout              time.Duration
	MaxResponseBytes     int64
	MaxRedirects         int
	AllowPrivateNetworks bool
}

const (
	defaultMaxResponseBytes = 10 * 1024 * 1024 // 10MB
	defaultTimeout          = 30 * time.Second
	defaultMaxRedirects     = 5
)

// HTTPTransport sends requests with net/http after passing them through the Guard.
type HTTPTransport struct {
	config HTTPConfig
	guard  Guard
	client *http.Client
	logger *slog.Logger
}

// NewHTTPTransport creates a transport. Zero config fields take defaults:
// 30s timeout, 10MB response cap, 5 redirects.
func NewHTTPTransport(cfg HTTPConfig, logger *slog.Logger) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if logger == nil {
		logger = logging.Discard()
	}

	t := &HTTPTransport{
		config: cfg,
		guard:  Guard{AllowPrivateNetworks: cfg.AllowPrivateNetworks},
		logger: logger,
	}
	limit := cfg.MaxRedirects
	t.client = &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			if _, err := t.guard.CheckURL(req.URL.String()); err != nil {
				return err
			}
			return nil
		},
	}
	return t
}

// Config returns the effective configuration.
func (t *HTTPTransport) Config() HTTPConfig { return t.config }

// Send validates and dispatches req. The response body is read fully, up to
// MaxResponseBytes; a larger body is a transport error.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*schema.ResponseData, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "nil request")
	}
	u, err := t.guard.CheckURL(req.URL)
	if err != nil {
		return nil, err
	}
	method, err := NormalizeMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if err := CheckHeaders(req.Headers); err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "failed to create request: %v", err).WithCause(err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	log := logging.LogWith(ctx, t.logger)
	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		cerr := classify(ctx, err, hostPort(u))
		log.Warn("request failed", "method", method, "url", u.Redacted(), "error", cerr)
		return nil, cerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBytes+1))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classify(ctx, err, hostPort(u))
	}
	if int64(len(raw)) > t.config.MaxResponseBytes {
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"response body exceeds %d byte limit", t.config.MaxResponseBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	log.Debug("request completed", "method", method, "url", u.Redacted(), "status", resp.StatusCode, "duration_ms", elapsed)

	return &schema.ResponseData{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    headers,
		Body:       strings.ToValidUTF8(string(raw), "�"),
		Time:       elapsed,
		Size:       int64(len(raw)),
	}, nil
}

// statusText returns the canonical reason phrase for the status code,
// falling back to the server's phrase, then "Unknown".
func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return "Unknown"
}

// classify maps a client error to a ChainError code.
func classify(ctx context.Context, err error, target string) *schema.ChainError {
	var ce *schema.ChainError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "request to %s cancelled", target).WithCause(err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "request to %s timed out", target).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "request to %s failed: %v", target, err).WithCause(err)
}

var _ Transport = (*HTTPTransport)(nil)

// DescribeStatus renders a status line such as "404 Not Found".
func DescribeStatus(resp *schema.ResponseData) string {
	if resp == nil {
		return ""
	}
	return strconv.Itoa(resp.Status) + " " + resp.StatusText
}
