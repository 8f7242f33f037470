package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	expect, err := expressions.NewExpectations()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(expect)
	require.NoError(t, err)
	return wv
}

func chain() *schema.WorkflowDocument {
	return &schema.WorkflowDocument{
		Name:      "login",
		ServerURL: "https://api.example.com",
		Steps: []schema.WorkflowStep{
			{
				ID: "s1", Order: 0, Name: "token",
				Request:     schema.StepRequest{Method: "POST", Path: "/token", Body: `{"user":"a"}`},
				Extractions: []schema.VariableExtraction{{ID: "e1", Name: "token", JSONPath: "$.access_token"}},
				Expect:      "status == 200",
			},
			{
				ID: "s2", Order: 1, Name: "users",
				Request: schema.StepRequest{
					Method:  "get",
					Path:    "/users",
					Headers: map[string]string{"Authorization": "Bearer {{token}}"},
				},
				Extractions: []schema.VariableExtraction{{ID: "e2", Name: "firstId", JSONPath: "jq:.[0].id"}},
			},
		},
	}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

// --- Full pipeline ---

func TestWorkflowValidator_Valid(t *testing.T) {
	result := newValidator(t).Validate(chain())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDoc(t *testing.T) {
	result := newValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralFailShortCircuits(t *testing.T) {
	doc := chain()
	doc.ServerURL = ""
	doc.Steps[0].Request.Method = "BREW"

	result := newValidator(t).Validate(doc)
	require.False(t, result.Valid())
	assert.NotContains(t, codes(result.Errors), IssueMethod)
}

func TestWorkflowValidator_ValidateDocument(t *testing.T) {
	wv := newValidator(t)
	assert.NoError(t, wv.ValidateDocument(chain()))

	doc := chain()
	doc.Steps[1].ID = "s1"
	err := wv.ValidateDocument(doc)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "duplicate step id")
}

// --- Semantic ---

func TestSemantic_UnsupportedMethod(t *testing.T) {
	doc := chain()
	doc.Steps[0].Request.Method = "TRACE"

	result := newValidator(t).Validate(doc)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, IssueMethod, result.Errors[0].Code)
	assert.Equal(t, "steps[0].request.method", result.Errors[0].Path)
}

func TestSemantic_EmptyMethodDefaultsToGet(t *testing.T) {
	doc := chain()
	doc.Steps[0].Request.Method = ""
	assert.True(t, newValidator(t).Validate(doc).Valid())
}

func TestSemantic_OutOfScopeReference(t *testing.T) {
	doc := chain()
	// Step 0 cannot see its own extraction.
	doc.Steps[0].Request.Path = "/token/{{token}}"
	doc.Steps[1].Request.QueryParams = map[string]string{"page": "{{cursor}}"}
	doc.Steps[1].Request.Auth = &schema.AuthConfig{Type: schema.AuthBasic, Username: "{{user}}", Password: "{{token}}"}

	result := newValidator(t).Validate(doc)
	assert.True(t, result.Valid(), "unresolved references are warnings")
	require.Len(t, result.Warnings, 3)
	assert.Equal(t, "steps[0].request.path", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "{{token}}")
	assert.Equal(t, "steps[1].request.queryParams.page", result.Warnings[1].Path)
	assert.Equal(t, "steps[1].request.auth", result.Warnings[2].Path)
	assert.Contains(t, result.Warnings[2].Message, "{{user}}")
}

func TestSemantic_DuplicateVariableIsWarning(t *testing.T) {
	doc := chain()
	doc.Steps[1].Extractions = append(doc.Steps[1].Extractions,
		schema.VariableExtraction{ID: "e3", Name: "token", JSONPath: "$.refresh"})

	result := newValidator(t).Validate(doc)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, IssueDuplicateVariable, result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, `"s1"`)
}

func TestSemantic_BadExtractionsAndExpect(t *testing.T) {
	doc := chain()
	doc.Steps[0].Extractions = []schema.VariableExtraction{
		{ID: "e1", Name: "token", JSONPath: "$.items["},
		{ID: "e4", Name: "user-id", JSONPath: "$.id"},
	}
	doc.Steps[0].Expect = "status =="
	doc.Steps[1].Extractions[0].JSONPath = "jq:.[0"

	result := newValidator(t).Validate(doc)
	assert.True(t, result.Valid())
	assert.ElementsMatch(t,
		[]string{IssueExtraction, IssueVariableName, IssueExpectation, IssueExtraction},
		codes(result.Warnings))
}

func TestSemantic_InvalidHeaderName(t *testing.T) {
	doc := chain()
	doc.Steps[1].Request.Headers["Bad Header"] = "x"

	result := newValidator(t).Validate(doc)
	assert.True(t, result.Valid())
	assert.Contains(t, codes(result.Warnings), IssueHeader)
}

func TestSemantic_EmptyStepID(t *testing.T) {
	doc := chain()
	doc.Steps[0].ID = ""

	result := newValidator(t).Validate(doc)
	require.False(t, result.Valid())
	assert.Equal(t, IssueDuplicateStepID, result.Errors[0].Code)
}

func TestWorkflowValidator_NilExpectations(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	doc := chain()
	doc.Steps[0].Expect = "status =="
	assert.Empty(t, wv.Validate(doc).Warnings)
}
