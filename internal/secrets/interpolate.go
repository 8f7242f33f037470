package secrets

import (
	"context"
	"maps"
	"regexp"
	"slices"

	"github.com/rendis/reqchain/pkg/schema"
)

// refPattern matches ${{secrets.KEY}} with optional inner spaces.
var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Refs returns the distinct secret names referenced in s, in order of first use.
func Refs(s string) []string {
	var keys []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(keys, m[1]) {
			keys = append(keys, m[1])
		}
	}
	return keys
}

// Resolve replaces every ${{secrets.KEY}} in s with the vault value. A
// reference that cannot be resolved is an error; unlike {{name}}, it is
// never left in place.
func Resolve(ctx context.Context, v Vault, s string) (string, error) {
	keys := Refs(s)
	if len(keys) == 0 {
		return s, nil
	}
	if v == nil {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"cannot resolve secret %q: no vault configured", keys[0])
	}

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		val, err := v.Resolve(ctx, key)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeVault, "failed to resolve secret %q", key).WithCause(err)
		}
		values[key] = string(val)
	}
	return refPattern.ReplaceAllStringFunc(s, func(m string) string {
		return values[refPattern.FindStringSubmatch(m)[1]]
	}), nil
}

// ResolveStep returns a copy of step with secrets resolved in its path,
// header and query values, body, and effective auth credentials. The
// effective auth is copied into the returned step, so the document's shared
// auth is never modified. step is returned as-is when it holds no references.
func ResolveStep(ctx context.Context, v Vault, doc *schema.WorkflowDocument, step *schema.WorkflowStep) (*schema.WorkflowStep, error) {
	auth := step.Request.Auth
	if auth == nil && doc != nil {
		auth = doc.SharedAuth
	}
	if !stepHasRefs(step, auth) {
		return step, nil
	}

	out := *step
	req := &out.Request
	var err error
	resolve := func(s string) string {
		if err != nil {
			return s
		}
		var r string
		r, err = Resolve(ctx, v, s)
		return r
	}

	req.Path = resolve(req.Path)
	req.Body = resolve(req.Body)
	req.Headers = resolveMap(req.Headers, resolve)
	req.QueryParams = resolveMap(req.QueryParams, resolve)
	if auth != nil {
		a := *auth
		a.Token = resolve(a.Token)
		a.Username = resolve(a.Username)
		a.Password = resolve(a.Password)
		a.APIKeyValue = resolve(a.APIKeyValue)
		req.Auth = &a
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DocumentRefs returns the sorted secret names referenced anywhere in doc.
func DocumentRefs(doc *schema.WorkflowDocument) []string {
	if doc == nil {
		return nil
	}
	var keys []string
	for _, f := range authFields(doc.SharedAuth) {
		keys = append(keys, Refs(f)...)
	}
	for i := range doc.Steps {
		for _, f := range stepFields(&doc.Steps[i], doc.Steps[i].Request.Auth) {
			keys = append(keys, Refs(f)...)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func resolveMap(m map[string]string, resolve func(string) string) map[string]string {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = resolve(v)
	}
	return out
}

func authFields(auth *schema.AuthConfig) []string {
	if auth == nil {
		return nil
	}
	return []string{auth.Token, auth.Username, auth.Password, auth.APIKeyValue}
}

func stepFields(step *schema.WorkflowStep, auth *schema.AuthConfig) []string {
	req := step.Request
	fields := []string{req.Path, req.Body}
	fields = slices.AppendSeq(fields, maps.Values(req.Headers))
	fields = slices.AppendSeq(fields, maps.Values(req.QueryParams))
	return append(fields, authFields(auth)...)
}

func stepHasRefs(step *schema.WorkflowStep, auth *schema.AuthConfig) bool {
	for _, f := range stepFields(step, auth) {
		if refPattern.MatchString(f) {
			return true
		}
	}
	return false
}
