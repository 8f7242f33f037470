package schema

import "time"

// WorkflowDocument is an ordered chain of HTTP request steps.
// Steps[i].Order == i holds after every mutation.
type WorkflowDocument struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	ServerURL   string         `json:"serverUrl"`
	SharedAuth  *AuthConfig    `json:"sharedAuth,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowStep is one request definition plus the variables pulled from its response.
type WorkflowStep struct {
	ID          string               `json:"id"`
	Order       int                  `json:"order"`
	Name        string               `json:"name"`
	Request     StepRequest          `json:"request"`
	Extractions []VariableExtraction `json:"extractions"`
	Expect      string               `json:"expect,omitempty"` // boolean expression over the response; "cel:" prefix selects CEL
}

// StepRequest describes the HTTP call a step makes. Path, header values,
// query values, and body may carry {{name}} references.
type StepRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"queryParams"`
	Body        string            `json:"body,omitempty"`
	Auth        *AuthConfig       `json:"auth,omitempty"`      // overrides the workflow's SharedAuth
	ServerURL   string            `json:"serverUrl,omitempty"` // overrides the workflow's ServerURL
}

// AuthType enumerates supported request authentication schemes.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "apiKey"
)

// AuthConfig configures request authentication.
type AuthConfig struct {
	Type        AuthType `json:"type"`
	Token       string   `json:"token,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	APIKeyName  string   `json:"apiKeyName,omitempty"`
	APIKeyValue string   `json:"apiKeyValue,omitempty"`
	APIKeyIn    string   `json:"apiKeyIn,omitempty"` // header | query (default: header)
}

// VariableExtraction pulls a named value out of its step's response body.
type VariableExtraction struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	JSONPath    string `json:"jsonPath"` // JSONPath subset, or a jq filter with a "jq:" prefix
	Description string `json:"description,omitempty"`
}

// VariableInfo names a variable visible to a step and the step that produces it.
type VariableInfo struct {
	Name     string `json:"name"`
	StepName string `json:"stepName"`
	StepID   string `json:"stepId"`
}

// Reindex rewrites every step's Order to its slice position.
func Reindex(steps []WorkflowStep) {
	for i := range steps {
		steps[i].Order = i
	}
}

// Clone returns a deep copy of the document.
func (d *WorkflowDocument) Clone() *WorkflowDocument {
	if d == nil {
		return nil
	}
	cp := *d
	cp.SharedAuth = d.SharedAuth.Clone()
	cp.Steps = make([]WorkflowStep, len(d.Steps))
	for i := range d.Steps {
		cp.Steps[i] = d.Steps[i].Clone()
	}
	return &cp
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	cp := s
	cp.Request.Headers = cloneStrings(s.Request.Headers)
	cp.Request.QueryParams = cloneStrings(s.Request.QueryParams)
	cp.Request.Auth = s.Request.Auth.Clone()
	cp.Extractions = append([]VariableExtraction{}, s.Extractions...)
	return cp
}

// Clone returns a copy of the auth config, or nil.
func (a *AuthConfig) Clone() *AuthConfig {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
