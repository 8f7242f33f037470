package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rendis/reqchain/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localTransport allows httptest servers on 127.0.0.1.
func localTransport(cfg HTTPConfig) *HTTPTransport {
	cfg.AllowPrivateNetworks = true
	return NewHTTPTransport(cfg, nil)
}

func TestHTTPTransport_Defaults(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{}, nil)
	cfg := tr.Config()
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxResponseBytes)
	assert.Equal(t, 5, cfg.MaxRedirects)
	assert.False(t, cfg.AllowPrivateNetworks)
}

func TestHTTPTransport_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		w.Write([]byte(`{"greeting":"hello"}`))
	}))
	defer srv.Close()

	resp, err := localTransport(HTTPConfig{}).Send(context.Background(), &Request{
		Method:  "get",
		URL:     srv.URL + "/hello?page=1",
		Headers: map[string]string{"Authorization": "Bearer abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, `{"greeting":"hello"}`, resp.Body)
	assert.Equal(t, int64(len(resp.Body)), resp.Size)
	assert.GreaterOrEqual(t, resp.Time, int64(0))
	assert.Equal(t, "test-value", resp.Headers["x-custom"])
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestHTTPTransport_POSTBody(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		b, _ := io.ReadAll(r.Body)
		received = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	resp, err := localTransport(HTTPConfig{}).Send(context.Background(), &Request{
		Method: "POST",
		URL:    srv.URL,
		Body:   `{"name":"x"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "Created", resp.StatusText)
	assert.Equal(t, `{"name":"x"}`, received)
}

func TestHTTPTransport_ErrorStatusIsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := localTransport(HTTPConfig{}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, "Internal Server Error", resp.StatusText)
	assert.Equal(t, "500 Internal Server Error", DescribeStatus(resp))
}

func TestHTTPTransport_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := localTransport(HTTPConfig{MaxResponseBytes: 32}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Contains(t, err.Error(), "32 byte limit")
}

func TestHTTPTransport_ExactLimitAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 32)))
	}))
	defer srv.Close()

	resp, err := localTransport(HTTPConfig{MaxResponseBytes: 32}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int64(32), resp.Size)
}

func TestHTTPTransport_Redirects(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	_, err := localTransport(HTTPConfig{MaxRedirects: 2}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
	assert.Equal(t, 2, hits)
}

func TestHTTPTransport_RedirectToMetadataBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	_, err := localTransport(HTTPConfig{}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBlockedRequest))
}

func TestHTTPTransport_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := localTransport(HTTPConfig{}).Send(ctx, &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
}

func TestHTTPTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := localTransport(HTTPConfig{Timeout: 50 * time.Millisecond}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := localTransport(HTTPConfig{}).Send(context.Background(), &Request{Method: "GET", URL: url})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
}

func TestHTTPTransport_GuardRejects(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{}, nil)

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"loopback", Request{Method: "GET", URL: "http://127.0.0.1:8080/"}, schema.ErrCodeBlockedRequest},
		{"file scheme", Request{Method: "GET", URL: "file:///etc/passwd"}, schema.ErrCodeBlockedRequest},
		{"bad method", Request{Method: "TRACE", URL: "https://example.com"}, schema.ErrCodeBlockedRequest},
		{"bad header", Request{Method: "GET", URL: "https://example.com", Headers: map[string]string{"Bad Header": "x"}}, schema.ErrCodeValidation},
		{"header injection", Request{Method: "GET", URL: "https://example.com", Headers: map[string]string{"X-A": "a\r\nX-B: b"}}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Send(context.Background(), &tt.req)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}

	_, err := tr.Send(context.Background(), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFunc_Send(t *testing.T) {
	var tr Transport = Func(func(ctx context.Context, req *Request) (*schema.ResponseData, error) {
		return &schema.ResponseData{Status: 204, StatusText: "No Content"}, nil
	})
	resp, err := tr.Send(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
}
