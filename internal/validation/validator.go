package validation

import "github.com/rendis/reqchain/pkg/schema"

// Validator checks workflow documents before they are stored or run.
type Validator interface {
	ValidateDocument(doc *schema.WorkflowDocument) error
}

var (
	_ Validator = (*JSONSchemaValidator)(nil)
	_ Validator = (*WorkflowValidator)(nil)
)
