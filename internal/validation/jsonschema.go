package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/reqchain/pkg/schema"
)

const documentSchemaURL = "https://reqchain.dev/schemas/workflow.json"

// documentSchemaJSON is the JSON Schema for an exported workflow document.
// Unknown properties are allowed here; the importer strips them afterwards.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reqchain.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps", "serverUrl"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "serverUrl": {
      "type": "string",
      "minLength": 1,
      "pattern": "\\S"
    },
    "sharedAuth": { "$ref": "#/$defs/auth" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "order": { "type": "integer", "minimum": 0 },
        "name": { "type": "string" },
        "request": { "$ref": "#/$defs/request" },
        "extractions": {
          "type": "array",
          "items": { "$ref": "#/$defs/extraction" }
        },
        "expect": { "type": "string" }
      }
    },
    "request": {
      "type": "object",
      "properties": {
        "method": { "type": "string" },
        "path": { "type": "string" },
        "headers": { "$ref": "#/$defs/stringMap" },
        "queryParams": { "$ref": "#/$defs/stringMap" },
        "body": { "type": "string" },
        "auth": { "$ref": "#/$defs/auth" },
        "serverUrl": { "type": "string" }
      }
    },
    "auth": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["none", "bearer", "basic", "apiKey"]
        },
        "token": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "apiKeyName": { "type": "string" },
        "apiKeyValue": { "type": "string" },
        "apiKeyIn": {
          "type": "string",
          "enum": ["header", "query"]
        }
      }
    },
    "extraction": {
      "type": "object",
      "required": ["name", "jsonPath"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string", "minLength": 1 },
        "jsonPath": { "type": "string" },
        "description": { "type": "string" }
      }
    },
    "stringMap": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  }
}`

// JSONSchemaValidator checks raw and typed workflow documents against the
// document JSON Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{documentSchema: compiled}, nil
}

// ValidateJSON parses data and validates it. A parse failure is INVALID_JSON.
// On success the decoded value (numbers as json.Number) is returned.
func (v *JSONSchemaValidator) ValidateJSON(data []byte) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidJSON, "Invalid JSON").WithCause(err)
	}
	if err := v.ValidateValue(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidateValue validates an already decoded JSON value.
func (v *JSONSchemaValidator) ValidateValue(doc any) error {
	if err := v.documentSchema.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// ValidateDocument validates a typed document.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	value, err := toJSONValue(doc.Clone())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	return v.ValidateValue(value)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toChainError converts a jsonschema.ValidationError into a ChainError whose
// details list every leaf violation with its instance location.
func toChainError(err error) *schema.ChainError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
