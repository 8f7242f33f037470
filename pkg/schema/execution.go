package schema

import "time"

// ResponseData is the metadata of a completed HTTP response.
type ResponseData struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Time       int64             `json:"time"` // milliseconds
	Size       int64             `json:"size"` // bytes
}

// StepExecutionResult is produced once per step per run and never mutated afterwards.
type StepExecutionResult struct {
	StepID             string         `json:"stepId"`
	Status             StepStatus     `json:"status"`
	Response           *ResponseData  `json:"response,omitempty"`
	ExtractedVariables map[string]any `json:"extractedVariables"`
	Error              string         `json:"error,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
}

// WorkflowExecution is the observable state of the current (or last) run.
type WorkflowExecution struct {
	WorkflowID       string                `json:"workflowId"`
	Status           RunStatus             `json:"status"`
	CurrentStepIndex int                   `json:"currentStepIndex"`
	Results          []StepExecutionResult `json:"results"`
	Variables        map[string]any        `json:"variables"`
	StartedAt        *time.Time            `json:"startedAt,omitempty"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
}

// NewIdleExecution returns the fresh state a run starts from.
func NewIdleExecution() *WorkflowExecution {
	return &WorkflowExecution{
		WorkflowID:       "",
		Status:           RunStatusIdle,
		CurrentStepIndex: -1,
		Results:          []StepExecutionResult{},
		Variables:        map[string]any{},
	}
}

// Clone returns a copy whose slices and maps are not shared with e.
// Variable values are shared; they are treated as immutable once extracted.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Results = make([]StepExecutionResult, len(e.Results))
	copy(cp.Results, e.Results)
	cp.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		cp.Variables[k] = v
	}
	return &cp
}

// ResultFor returns the result recorded for a step, if any.
func (e *WorkflowExecution) ResultFor(stepID string) (StepExecutionResult, bool) {
	for _, r := range e.Results {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepExecutionResult{}, false
}
