package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/pkg/schema"
)

// Issue codes reported by the semantic stage.
const (
	IssueDuplicateStepID     = "DUPLICATE_STEP_ID"
	IssueMethod              = "INVALID_METHOD"
	IssueHeader              = "INVALID_HEADER"
	IssueUnresolvedReference = "UNRESOLVED_REFERENCE"
	IssueDuplicateVariable   = "DUPLICATE_VARIABLE"
	IssueVariableName        = "UNREFERENCEABLE_VARIABLE"
	IssueExtraction          = "INVALID_EXTRACTION"
	IssueExpectation         = "INVALID_EXPECTATION"
)

var variableName = regexp.MustCompile(`^\w+$`)

// checkers holds the syntax checkers the semantic stage delegates to.
type checkers struct {
	extractor *expressions.Extractor
	expect    *expressions.Expectations
}

// validateSemantic lints a document. Only a broken step identity or an
// unsendable method is an error; everything else degrades softly at run time
// and is reported as a warning.
func validateSemantic(doc *schema.WorkflowDocument, c checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seenIDs := make(map[string]bool, len(doc.Steps))
	producedBy := make(map[string]string)

	for i := range doc.Steps {
		step := &doc.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			result.AddError(path+".id", IssueDuplicateStepID, "step id is empty")
		} else if seenIDs[step.ID] {
			result.AddError(path+".id", IssueDuplicateStepID, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seenIDs[step.ID] = true

		method := step.Request.Method
		if method == "" {
			method = "GET"
		}
		if _, err := transport.NormalizeMethod(method); err != nil {
			result.AddError(path+".request.method", IssueMethod,
				fmt.Sprintf("unsupported HTTP method %q", step.Request.Method))
		}
		if err := transport.CheckHeaders(step.Request.Headers); err != nil {
			result.AddWarning(path+".request.headers", IssueHeader, err.Error())
		}

		validateReferences(doc.Steps, i, path, result)
		validateExtractions(step, path, producedBy, c, result)

		if step.Expect != "" && c.expect != nil {
			if err := c.expect.Check(step.Expect); err != nil {
				result.AddWarning(path+".expect", IssueExpectation,
					fmt.Sprintf("expectation does not compile: %v", err))
			}
		}
	}

	return result
}

// validateReferences warns about {{name}} tokens that no earlier step
// extracts. Such tokens are sent literally.
func validateReferences(steps []schema.WorkflowStep, i int, path string, result *schema.ValidationResult) {
	inScope := expressions.VariableNames(expressions.AvailableVariables(steps, i))
	req := steps[i].Request

	check := func(field, template string) {
		for _, name := range expressions.References(template) {
			if !inScope[name] {
				result.AddWarning(path+"."+field, IssueUnresolvedReference,
					fmt.Sprintf("{{%s}} is not extracted by an earlier step and will be sent literally", name))
			}
		}
	}

	check("request.path", req.Path)
	check("request.body", req.Body)
	for _, k := range sortedKeys(req.Headers) {
		check("request.headers."+k, req.Headers[k])
	}
	for _, k := range sortedKeys(req.QueryParams) {
		check("request.queryParams."+k, req.QueryParams[k])
	}
	if req.Auth != nil {
		check("request.auth", strings.Join([]string{
			req.Auth.Token, req.Auth.Username, req.Auth.Password, req.Auth.APIKeyValue,
		}, " "))
	}
}

func validateExtractions(step *schema.WorkflowStep, path string, producedBy map[string]string, c checkers, result *schema.ValidationResult) {
	for j, ex := range step.Extractions {
		exPath := fmt.Sprintf("%s.extractions[%d]", path, j)

		if !variableName.MatchString(ex.Name) {
			result.AddWarning(exPath+".name", IssueVariableName,
				fmt.Sprintf("variable %q cannot be referenced as {{name}}", ex.Name))
		}
		if prev, ok := producedBy[ex.Name]; ok {
			result.AddWarning(exPath+".name", IssueDuplicateVariable,
				fmt.Sprintf("variable %q is also extracted by step %q; the later value wins", ex.Name, prev))
		}
		producedBy[ex.Name] = step.ID

		if c.extractor != nil {
			if err := c.extractor.Check(ex.JSONPath); err != nil {
				result.AddWarning(exPath+".jsonPath", IssueExtraction,
					fmt.Sprintf("extraction %q will never match: %v", ex.Name, err))
			}
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
