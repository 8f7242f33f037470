package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// noopAppender drops every event. Used when the engine has no event log.
type noopAppender struct{}

func (noopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
// A nil appender discards events.
func NewRunFSM(appender EventAppender) *RunFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a run transition and emits its event. The workflow ID
// of the event is taken from ctx.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		event := &store.Event{
			RunID:      runID,
			WorkflowID: logging.WorkflowID(ctx),
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions within a run.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
// A nil appender discards events.
func NewStepFSM(appender EventAppender) *StepFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a step transition and emits its event.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus) error {
	return f.TransitionWith(ctx, runID, stepID, from, to, nil)
}

// TransitionWith is Transition with an event payload, marshaled as JSON.
func (f *StepFSM) TransitionWith(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		event := &store.Event{
			RunID:      runID,
			WorkflowID: logging.WorkflowID(ctx),
			StepID:     stepID,
			Type:       eventType,
		}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "marshal step event: %s", err.Error()).
					WithStep(stepID).WithCause(err)
			}
			event.Payload = raw
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSuccess:
		return schema.EventStepSucceeded
	case schema.StepStatusFailure:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// --- Close cascade ---

// CloseRun skips every still-pending step and then moves the run from
// running to the terminal status to. All transitions are attempted; the
// first error is returned.
func CloseRun(ctx context.Context, runFSM *RunFSM, stepFSM *StepFSM, runID string, to schema.RunStatus, pendingStepIDs []string) error {
	var first error
	for _, stepID := range pendingStepIDs {
		if err := stepFSM.Transition(ctx, runID, stepID, schema.StepStatusPending, schema.StepStatusSkipped); err != nil && first == nil {
			first = err
		}
	}
	if err := runFSM.Transition(ctx, runID, schema.RunStatusRunning, to); err != nil && first == nil {
		first = err
	}
	return first
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusAborted},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusAborted:   {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning: {schema.StepStatusSuccess, schema.StepStatusFailure},
	schema.StepStatusSuccess: {},
	schema.StepStatusFailure: {},
	schema.StepStatusSkipped: {},
}
