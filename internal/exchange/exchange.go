// Package exchange converts workflow documents to and from their portable
// file form. Exported documents carry no storage identity (id, created_at,
// updated_at); imported documents are validated, stripped of unknown fields,
// and normalized before anything is stored.
package exchange

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/reqchain/internal/validation"
	"github.com/rendis/reqchain/pkg/schema"
)

// portable is the serialized document. Fields absent here are dropped on
// both export and import.
type portable struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Steps       []schema.WorkflowStep `json:"steps"`
	ServerURL   string                `json:"serverUrl"`
	SharedAuth  *schema.AuthConfig    `json:"sharedAuth,omitempty"`
}

var documentValidator = sync.OnceValues(validation.NewJSONSchemaValidator)

// Export serializes doc as indented JSON without its storage identity.
func Export(doc *schema.WorkflowDocument) ([]byte, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	cp := doc.Clone()
	schema.Reindex(cp.Steps)
	out, err := json.MarshalIndent(portable{
		Name:        cp.Name,
		Description: cp.Description,
		Steps:       cp.Steps,
		ServerURL:   cp.ServerURL,
		SharedAuth:  cp.SharedAuth,
	}, "", "  ")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	return append(out, '\n'), nil
}

// ExportYAML serializes doc as YAML using the same field names and order as
// the JSON form.
func ExportYAML(doc *schema.WorkflowDocument) ([]byte, error) {
	data, err := Export(doc)
	if err != nil {
		return nil, err
	}
	// JSON is YAML; re-encode the parsed tree in block style.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to convert workflow to YAML").WithCause(err)
	}
	blockStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to encode YAML").WithCause(err)
	}
	if err := enc.Close(); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to encode YAML").WithCause(err)
	}
	return buf.Bytes(), nil
}

func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle && n.Tag == "!!str" {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// Import parses and validates a JSON document. Malformed JSON fails with
// INVALID_JSON "Invalid JSON"; a document missing name, steps (as an array),
// or a non-empty serverUrl fails with VALIDATION_ERROR. The returned document
// has no ID or timestamps, dense step orders, and IDs on every step and
// extraction.
func Import(data []byte) (*schema.WorkflowDocument, error) {
	v, err := documentValidator()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow schema unavailable").WithCause(err)
	}
	if _, err := v.ValidateJSON(data); err != nil {
		return nil, err
	}

	var p portable
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidJSON, "Invalid JSON").WithCause(err)
	}
	return p.document(), nil
}

// ImportYAML accepts the YAML form produced by ExportYAML.
func ImportYAML(data []byte) (*schema.WorkflowDocument, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidJSON, "Invalid YAML").WithCause(err)
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidJSON, "Invalid YAML").WithCause(err)
	}
	return Import(data)
}

func (p portable) document() *schema.WorkflowDocument {
	doc := &schema.WorkflowDocument{
		Name:        p.Name,
		Description: p.Description,
		ServerURL:   p.ServerURL,
		SharedAuth:  p.SharedAuth,
		Steps:       make([]schema.WorkflowStep, len(p.Steps)),
	}
	for i, step := range p.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if step.Request.Headers == nil {
			step.Request.Headers = map[string]string{}
		}
		if step.Request.QueryParams == nil {
			step.Request.QueryParams = map[string]string{}
		}
		exs := make([]schema.VariableExtraction, len(step.Extractions))
		for j, ex := range step.Extractions {
			if ex.ID == "" {
				ex.ID = uuid.New().String()
			}
			exs[j] = ex
		}
		step.Extractions = exs
		doc.Steps[i] = step
	}
	schema.Reindex(doc.Steps)
	return doc
}
