// Package streaming fans run progress out to in-process subscribers, such
// as the MCP server relaying scheduled runs to connected clients.
package streaming

import (
	"context"

	"github.com/rendis/reqchain/pkg/schema"
)

// Run event types.
const (
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventRunFinished   = "run_finished"
)

// RunEvent is one progress notification from a run.
type RunEvent struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	EventType  string `json:"event"`
	StepIndex  int    `json:"step_index"`
	StepID     string `json:"step_id,omitempty"`
	StepName   string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EventFilter selects events for a subscriber. Empty fields match all.
type EventFilter struct {
	WorkflowID string
	EventTypes []string
	Triggers   []string
}

// EventHub provides pub/sub for run progress.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}

// StepStarted builds the event for a step about to send its request.
func StepStarted(index int, step schema.WorkflowStep) RunEvent {
	return RunEvent{
		EventType: EventStepStarted,
		StepIndex: index,
		StepID:    step.ID,
		StepName:  step.Name,
	}
}

// StepCompleted builds the event for a finished step.
func StepCompleted(index int, step schema.WorkflowStep, result schema.StepExecutionResult) RunEvent {
	e := RunEvent{
		EventType: EventStepCompleted,
		StepIndex: index,
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    string(result.Status),
		Error:     result.Error,
	}
	if result.Response != nil {
		e.HTTPStatus = result.Response.Status
	}
	return e
}

// Fields flattens e into notification data, omitting empty values.
func (e RunEvent) Fields() map[string]any {
	out := map[string]any{
		"event":      e.EventType,
		"step_index": e.StepIndex,
	}
	for k, v := range map[string]string{
		"workflow_id": e.WorkflowID,
		"run_id":      e.RunID,
		"trigger":     e.Trigger,
		"step_id":     e.StepID,
		"name":        e.StepName,
		"status":      e.Status,
		"error":       e.Error,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if e.HTTPStatus != 0 {
		out["http_status"] = e.HTTPStatus
	}
	return out
}
