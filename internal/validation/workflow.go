package validation

import (
	"errors"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/pkg/schema"
)

// WorkflowValidator runs the two-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (methods, variable scope, extraction and expectation syntax)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checks     checkers
}

// NewWorkflowValidator creates a WorkflowValidator. expect may be nil to skip
// expectation syntax checks.
func NewWorkflowValidator(expect *expressions.Expectations) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		checks: checkers{
			extractor: expressions.NewExtractor(logging.Discard()),
			expect:    expect,
		},
	}, nil
}

// Schema returns the structural validator.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator { return wv.jsonSchema }

// Validate returns every issue found in doc. Structural errors short-circuit
// the semantic stage.
func (wv *WorkflowValidator) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow document is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, doc)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(doc, wv.checks))
	return result
}

// ValidateDocument satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	return wv.Validate(doc).ToError()
}

func validateStructural(v *JSONSchemaValidator, doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(doc)
	if err == nil {
		return result
	}

	var cerr *schema.ChainError
	if !errors.As(err, &cerr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := cerr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, cerr.Message)
	return result
}
