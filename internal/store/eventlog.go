package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/reqchain/pkg/schema"
)

// StepState is a step's status as reconstructed from a run's event log.
type StepState struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	HTTPStatus  int               `json:"http_status,omitempty"`
	Error       string            `json:"error,omitempty"`
	Variables   []string          `json:"variables,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// RunReplay is the outcome of replaying a run's event log.
type RunReplay struct {
	RunID      string                `json:"run_id"`
	WorkflowID string                `json:"workflow_id"`
	Status     schema.RunStatus      `json:"status"`
	Steps      map[string]*StepState `json:"steps"`
	Events     int                   `json:"events"`
}

// StepPayload is the payload shape written for step events.
type StepPayload struct {
	Index      int    `json:"index"`
	Name       string `json:"name,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VariablePayload is the payload shape written for variable_set events.
type VariablePayload struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with the next per-run sequence number.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns a run's events with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayEvents rebuilds the run and step states of a run from its events.
// A gap in the sequence is reported as a STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (*RunReplay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	replay := &RunReplay{
		RunID:  runID,
		Status: schema.RunStatusIdle,
		Steps:  make(map[string]*StepState),
		Events: len(events),
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		replay.WorkflowID = e.WorkflowID

		switch e.Type {
		case schema.EventRunStarted:
			replay.Status = schema.RunStatusRunning
			continue
		case schema.EventRunCompleted:
			replay.Status = schema.RunStatusCompleted
			continue
		case schema.EventRunFailed:
			replay.Status = schema.RunStatusFailed
			continue
		case schema.EventRunAborted:
			replay.Status = schema.RunStatusAborted
			continue
		}

		if e.StepID == "" {
			continue
		}
		ss, ok := replay.Steps[e.StepID]
		if !ok {
			ss = &StepState{RunID: runID, StepID: e.StepID, Status: schema.StepStatusPending}
			replay.Steps[e.StepID] = ss
		}

		var sp StepPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &sp)
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.StartedAt = &ts
		case schema.EventStepSucceeded, schema.EventStepFailed:
			ss.Status = schema.StepStatusSuccess
			if e.Type == schema.EventStepFailed {
				ss.Status = schema.StepStatusFailure
				ss.Error = sp.Error
			}
			ss.HTTPStatus = sp.HTTPStatus
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
		case schema.EventVariableSet:
			var vp VariablePayload
			if err := json.Unmarshal(e.Payload, &vp); err == nil && vp.Name != "" {
				ss.Variables = append(ss.Variables, vp.Name)
			}
		}
	}

	return replay, nil
}
