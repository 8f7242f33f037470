package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir        string
	configPath string
	api        *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/token":
			fmt.Fprint(w, `{"access_token":"abc","user":{"id":7}}`)
		case r.URL.Path == "/users/7":
			if r.Header.Get("Authorization") != "Bearer abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"email":"ann@example.com"}`)
		case r.URL.Path == "/secure":
			if r.Header.Get("X-Api-Key") != "s3cret" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			fmt.Fprint(w, `{"ok":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"not found"}`)
		}
	}))
	t.Cleanup(api.Close)

	configPath := filepath.Join(dir, "settings.json")
	settings := fmt.Sprintf(`{
  "db_path": %q,
  "log_level": "error",
  "request_timeout": "5s",
  "allow_private_networks": true
}`, filepath.Join(dir, "reqchain.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(settings), 0o644))

	return &testEnv{dir: dir, configPath: configPath, api: api}
}

func (e *testEnv) run(args ...string) (string, error) {
	return e.runWithInput("", args...)
}

func (e *testEnv) runWithInput(stdin string, args ...string) (string, error) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) importChain(t *testing.T) string {
	t.Helper()
	doc := fmt.Sprintf(`{
  "name": "users",
  "serverUrl": %q,
  "steps": [
    {
      "name": "Login",
      "request": { "method": "POST", "path": "/token", "body": "{\"user\":\"ann\"}" },
      "extractions": [
        { "name": "token", "jsonPath": "$.access_token" },
        { "name": "userId", "jsonPath": "$.user.id" }
      ]
    },
    {
      "name": "Profile",
      "request": {
        "method": "GET",
        "path": "/users/{{userId}}",
        "headers": { "Authorization": "Bearer {{token}}" }
      },
      "extractions": [ { "name": "email", "jsonPath": "$.email" } ]
    }
  ]
}`, e.api.URL)
	out, err := e.run("import", e.writeFile(t, "users.json", doc))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "imported "), out)
	return strings.Fields(out)[1]
}

func TestCLI_ImportListShow(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "users")

	out, err = env.run("show", id)
	require.NoError(t, err)
	assert.Contains(t, out, " 0. Login  POST /token")
	assert.Contains(t, out, " 1. Profile  GET /users/{{userId}}")
	assert.Contains(t, out, "email <- $.email")
}

func TestCLI_ImportRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("import", env.writeFile(t, "bad.json", `{"name":"x","serverUrl":"http://a","steps":"nope"}`))
	require.Error(t, err)

	_, err = env.run("import", env.writeFile(t, "broken.json", `{"name":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_JSON")

	out, err := env.run("list")
	require.NoError(t, err)
	assert.NotContains(t, out, "http://a")
}

func TestCLI_ImportYAML(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "chain.yaml", `
name: yaml chain
serverUrl: http://api.test
steps:
  - name: Ping
    request:
      method: GET
      path: /ping
`)
	out, err := env.run("import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(1 steps)")
}

func TestCLI_RunAndHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("run", id)
	require.NoError(t, err)
	assert.Contains(t, out, "[0] Login ... 200 OK")
	assert.Contains(t, out, "[1] Profile ... 200 OK")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "email = ann@example.com")
	assert.Contains(t, out, "userId = 7")

	out, err = env.run("history", id)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "manual")
}

func TestCLI_RunFailure(t *testing.T) {
	env := newTestEnv(t)
	doc := fmt.Sprintf(`{
  "name": "missing",
  "serverUrl": %q,
  "steps": [
    { "name": "Gone", "request": { "method": "GET", "path": "/gone" }, "expect": "status < 400" },
    { "name": "Never", "request": { "method": "GET", "path": "/token" } }
  ]
}`, env.api.URL)
	out, err := env.run("import", env.writeFile(t, "missing.json", doc))
	require.NoError(t, err)
	id := strings.Fields(out)[1]

	out, err = env.run("run", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, "[0] Gone ... 404 Not Found")
	assert.NotContains(t, out, "[1] Never")
}

func TestCLI_ExportYAML(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("export", id, "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: users")
	assert.NotContains(t, out, id)

	target := filepath.Join(env.dir, "out.json")
	_, err = env.run("export", id, "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"serverUrl"`)

	_, err = env.run("export", id, "--format", "xml")
	require.Error(t, err)
}

func TestCLI_Vars(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("vars", id, "0")
	require.NoError(t, err)
	assert.Contains(t, out, "no variables in scope")

	out, err = env.run("vars", id, "1")
	require.NoError(t, err)
	assert.Contains(t, out, "{{token}}")
	assert.Contains(t, out, "{{userId}}")
	assert.NotContains(t, out, "{{email}}")

	_, err = env.run("vars", id, "one")
	require.Error(t, err)
}

func TestCLI_Diagram(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("diagram", id)
	require.NoError(t, err)
	assert.Contains(t, out, "=== users ===")
	assert.Contains(t, out, "uses {{token}} from Login")

	out, err = env.run("diagram", id, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "-.->|userId|")

	_, err = env.run("diagram", id, "--format", "bmp")
	require.Error(t, err)
}

func TestCLI_Schedules(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	_, err := env.run("schedule", "add", id, "not a cron")
	require.Error(t, err)

	out, err := env.run("schedule", "add", id, "*/5 * * * *")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "scheduled "), out)
	schedID := strings.TrimSuffix(strings.Fields(out)[1], ",")

	out, err = env.run("schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, schedID)
	assert.Contains(t, out, "*/5 * * * *")

	_, err = env.run("schedule", "remove", schedID)
	require.NoError(t, err)
	out, err = env.run("schedule", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, schedID)
}

func TestCLI_Delete(t *testing.T) {
	env := newTestEnv(t)
	id := env.importChain(t)

	out, err := env.run("delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, err = env.run("show", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestCLI_Version(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestCLI_SecretsRequireVault(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("secret", "set", "API_KEY", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no vault configured")
}

func TestCLI_Secrets(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("REQCHAIN_VAULT_KEY", "correct horse battery staple")

	doc := fmt.Sprintf(`{
  "name": "secure",
  "serverUrl": %q,
  "steps": [
    { "name": "Secure", "request": { "method": "GET", "path": "/secure", "headers": { "X-Api-Key": "${{secrets.API_KEY}}" } }, "expect": "status == 200" }
  ]
}`, env.api.URL)
	out, err := env.run("import", env.writeFile(t, "secure.json", doc))
	require.NoError(t, err)
	id := strings.Fields(out)[1]

	out, err = env.run("secret", "refs", id)
	require.NoError(t, err)
	assert.Contains(t, out, "API_KEY\tmissing")

	// Unresolved secret fails the step before any request is sent.
	out, err = env.run("run", id)
	require.Error(t, err)
	assert.Contains(t, out, "VAULT_ERROR")

	out, err = env.runWithInput("s3cret\n", "secret", "set", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "stored API_KEY\n", out)

	_, err = env.run("secret", "set", "bad-name", "x")
	require.Error(t, err)

	out, err = env.run("secret", "list")
	require.NoError(t, err)
	assert.Equal(t, "API_KEY\n", out)

	out, err = env.run("run", id)
	require.NoError(t, err)
	assert.Contains(t, out, "[0] Secure ... 200 OK")

	out, err = env.run("export", id)
	require.NoError(t, err)
	assert.Contains(t, out, "${{secrets.API_KEY}}")
	assert.NotContains(t, out, "s3cret")

	// A different passphrase cannot decrypt the stored value.
	t.Setenv("REQCHAIN_VAULT_KEY", "wrong")
	out, err = env.run("run", id)
	require.Error(t, err)
	assert.Contains(t, out, "VAULT_ERROR")

	t.Setenv("REQCHAIN_VAULT_KEY", "correct horse battery staple")
	out, err = env.run("secret", "delete", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "deleted API_KEY\n", out)
	out, err = env.run("secret", "list")
	require.NoError(t, err)
	assert.Equal(t, "no secrets\n", out)
}
