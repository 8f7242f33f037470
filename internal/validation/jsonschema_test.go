package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.documentSchema)
}

// --- ValidateJSON ---

func TestValidateJSON_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	doc, err := v.ValidateJSON([]byte(`{
		"name": "x",
		"serverUrl": "http://x",
		"steps": [{
			"id": "s1",
			"order": 0,
			"name": "token",
			"request": {"method": "POST", "path": "/token", "headers": {"Accept": "application/json"}, "queryParams": {}},
			"extractions": [{"id": "e1", "name": "token", "jsonPath": "$.access_token"}]
		}],
		"somethingElse": true
	}`))
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, doc)
}

func TestValidateJSON_InvalidJSON(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	_, err = v.ValidateJSON([]byte(`{"name": "x",`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidJSON))
	assert.Contains(t, err.Error(), "Invalid JSON")
}

func TestValidateJSON_RequiredFields(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		data string
	}{
		{"missing name", `{"steps": [], "serverUrl": "http://x"}`},
		{"name not a string", `{"name": 5, "steps": [], "serverUrl": "http://x"}`},
		{"missing steps", `{"name": "x", "serverUrl": "http://x"}`},
		{"steps not an array", `{"name": "x", "steps": "not-array", "serverUrl": "http://x"}`},
		{"steps is an object", `{"name": "x", "steps": {"0": {}}, "serverUrl": "http://x"}`},
		{"missing serverUrl", `{"name": "x", "steps": []}`},
		{"empty serverUrl", `{"name": "x", "steps": [], "serverUrl": ""}`},
		{"blank serverUrl", `{"name": "x", "steps": [], "serverUrl": "   "}`},
		{"top level array", `[]`},
		{"bad auth type", `{"name": "x", "steps": [], "serverUrl": "http://x", "sharedAuth": {"type": "oauth"}}`},
		{"header value not a string", `{"name": "x", "serverUrl": "http://x", "steps": [{"request": {"headers": {"X-Count": 1}}}]}`},
		{"extraction without path", `{"name": "x", "serverUrl": "http://x", "steps": [{"extractions": [{"name": "a"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateJSON([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestValidateJSON_ViolationsInDetails(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	_, err = v.ValidateJSON([]byte(`{"name": 1, "steps": "x", "serverUrl": ""}`))
	require.Error(t, err)

	var cerr *schema.ChainError
	require.ErrorAs(t, err, &cerr)
	violations, ok := cerr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 3)
	assert.Contains(t, cerr.Message, "validation failed with")
}

// --- ValidateDocument ---

func TestValidateDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.True(t, schema.IsCode(v.ValidateDocument(nil), schema.ErrCodeValidation))

	doc := &schema.WorkflowDocument{Name: "x", ServerURL: "http://x"}
	assert.NoError(t, v.ValidateDocument(doc), "nil steps serialize as an empty array")

	doc.ServerURL = ""
	assert.Error(t, v.ValidateDocument(doc))
}

func TestJSONSchemaValidator_Concurrent(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.ValidateJSON([]byte(`{"name": "x", "steps": [], "serverUrl": "http://x"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
