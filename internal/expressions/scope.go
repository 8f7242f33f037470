package expressions

import (
	"slices"

	"github.com/rendis/reqchain/pkg/schema"
)

// AvailableVariables lists the variables visible to the step at position
// beforeStepIndex: every extraction of the steps before it, in step then
// extraction order. Indexes past the end clamp to len(steps).
func AvailableVariables(steps []schema.WorkflowStep, beforeStepIndex int) []schema.VariableInfo {
	if beforeStepIndex <= 0 {
		return []schema.VariableInfo{}
	}
	if beforeStepIndex > len(steps) {
		beforeStepIndex = len(steps)
	}
	vars := []schema.VariableInfo{}
	for _, step := range steps[:beforeStepIndex] {
		for _, ex := range step.Extractions {
			vars = append(vars, schema.VariableInfo{
				Name:     ex.Name,
				StepName: step.Name,
				StepID:   step.ID,
			})
		}
	}
	return vars
}

// VariableNames returns the set of names in vars.
func VariableNames(vars []schema.VariableInfo) map[string]bool {
	names := make(map[string]bool, len(vars))
	for _, v := range vars {
		names[v.Name] = true
	}
	return names
}

// StepReferences returns the distinct {{name}} references a step sends,
// sorted: path, header and query values, body, and the credentials of its
// effective auth.
func StepReferences(doc *schema.WorkflowDocument, step *schema.WorkflowStep) []string {
	req := step.Request
	templates := []string{req.Path, req.Body}
	for _, v := range req.Headers {
		templates = append(templates, v)
	}
	for _, v := range req.QueryParams {
		templates = append(templates, v)
	}
	auth := req.Auth
	if auth == nil && doc != nil {
		auth = doc.SharedAuth
	}
	if auth != nil {
		templates = append(templates, auth.Token, auth.Username, auth.Password, auth.APIKeyValue)
	}

	var refs []string
	for _, tpl := range templates {
		refs = append(refs, References(tpl)...)
	}
	slices.Sort(refs)
	return slices.Compact(refs)
}
