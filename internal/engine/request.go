package engine

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/pkg/schema"
)

// BuildRequest resolves the effective request of step against vars.
// Substitution applies to the path, header values, query values, body and
// auth credentials; never to header or parameter names, nor to the server URL.
// The step's ServerURL and Auth override the document's when set.
func BuildRequest(doc *schema.WorkflowDocument, step *schema.WorkflowStep, vars map[string]any) (*transport.Request, error) {
	req := step.Request

	base := req.ServerURL
	if base == "" {
		base = doc.ServerURL
	}
	target := joinURL(base, expressions.Substitute(req.Path, vars))

	if _, err := url.Parse(target); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid request URL %q", target).
			WithStep(step.ID).WithCause(err)
	}

	headers := make(map[string]string, len(req.Headers)+1)
	query := make(map[string]string, len(req.QueryParams)+1)

	auth := req.Auth
	if auth == nil {
		auth = doc.SharedAuth
	}
	applyAuth(auth, vars, headers, query)

	for k, v := range expressions.SubstituteMap(req.Headers, vars) {
		setHeader(headers, k, v)
	}
	for k, v := range expressions.SubstituteMap(req.QueryParams, vars) {
		query[k] = v
	}

	// Query values are appended rather than re-encoding the URL so the path
	// is sent exactly as substituted.
	if len(query) > 0 {
		q := make(url.Values, len(query))
		for k, v := range query {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}

	return &transport.Request{
		Method:  method,
		URL:     target,
		Headers: headers,
		Body:    expressions.Substitute(req.Body, vars),
	}, nil
}

// joinURL appends path to base with exactly one slash between them. An
// absolute http(s) path is used as-is.
func joinURL(base, path string) string {
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return path
	}
	if path == "" {
		return base
	}
	if base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func applyAuth(auth *schema.AuthConfig, vars map[string]any, headers, query map[string]string) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case schema.AuthBearer:
		if token := expressions.Substitute(auth.Token, vars); token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case schema.AuthBasic:
		creds := expressions.Substitute(auth.Username, vars) + ":" + expressions.Substitute(auth.Password, vars)
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	case schema.AuthAPIKey:
		if auth.APIKeyName == "" {
			return
		}
		value := expressions.Substitute(auth.APIKeyValue, vars)
		if auth.APIKeyIn == "query" {
			query[auth.APIKeyName] = value
		} else {
			headers[auth.APIKeyName] = value
		}
	}
}

// setHeader sets name, replacing any existing key that differs only in case.
func setHeader(headers map[string]string, name, value string) {
	for k := range headers {
		if k != name && strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
	headers[name] = value
}
