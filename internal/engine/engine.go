package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/secrets"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/pkg/schema"
)

// abortedPrefix tags the error of a step interrupted by Abort.
const abortedPrefix = "aborted: "

// Callbacks report run progress to the caller. Either function may be nil.
// They are invoked synchronously from the goroutine running Execute.
type Callbacks struct {
	OnStepStart    func(index int)
	OnStepComplete func(index int, result schema.StepExecutionResult)
}

// RunResult is the aggregate outcome of one Execute call. Results holds one
// entry per step in document order, skipped steps included.
type RunResult struct {
	RunID            string                       `json:"run_id"`
	WorkflowID       string                       `json:"workflow_id"`
	Status           schema.RunStatus             `json:"status"`
	Results          []schema.StepExecutionResult `json:"results"`
	Variables        map[string]any               `json:"variables"`
	CurrentStepIndex int                          `json:"current_step_index"`
	StartedAt        time.Time                    `json:"started_at"`
	CompletedAt      time.Time                    `json:"completed_at"`
}

// Config holds the collaborators of an Engine. Transport is required.
type Config struct {
	Transport    transport.Transport
	Extractor    *expressions.Extractor    // nil = default extractor
	Expectations *expressions.Expectations // nil = step Expect expressions are ignored
	Events       EventAppender             // nil = events are discarded
	Secrets      secrets.Vault             // nil = steps referencing ${{secrets.KEY}} fail
	Logger       *slog.Logger              // nil = discard
}

// Engine executes workflow documents one step at a time. An Engine runs at
// most one document at a time; Abort cancels the active run.
type Engine struct {
	transport transport.Transport
	extractor *expressions.Extractor
	expect    *expressions.Expectations
	events    EventAppender
	secrets   secrets.Vault
	runFSM    *RunFSM
	stepFSM   *StepFSM
	logger    *slog.Logger

	mu     sync.Mutex
	active *activeRun
}

// activeRun is the cancellation handle of the run in progress.
type activeRun struct {
	id         string
	workflowID string
	cancel     context.CancelFunc
	aborted    bool
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = expressions.NewExtractor(logger)
	}
	events := cfg.Events
	if events == nil {
		events = noopAppender{}
	}
	return &Engine{
		transport: cfg.Transport,
		extractor: extractor,
		expect:    cfg.Expectations,
		events:    events,
		secrets:   cfg.Secrets,
		runFSM:    NewRunFSM(events),
		stepFSM:   NewStepFSM(events),
		logger:    logger,
	}
}

// Execute runs doc's steps in order and returns the aggregate result.
// Step-level failures are reported in the result, never as an error; an
// error is returned only for a nil document or when a run is already active.
// The run ID is taken from ctx (logging.WithRunID) or generated.
func (e *Engine) Execute(ctx context.Context, doc *schema.WorkflowDocument, cb Callbacks) (*RunResult, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	if e.transport == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine has no transport")
	}

	runID := logging.RunID(ctx)
	if runID == "" {
		runID = uuid.New().String()
	}
	runCtx, cancel := context.WithCancel(logging.WithRunID(logging.WithWorkflowID(ctx, doc.ID), runID))
	defer cancel()

	run := &activeRun{id: runID, workflowID: doc.ID, cancel: cancel}
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already active", e.active.id)
	}
	e.active = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	log := logging.LogWith(runCtx, e.logger)
	result := &RunResult{
		RunID:            runID,
		WorkflowID:       doc.ID,
		Status:           schema.RunStatusRunning,
		Results:          make([]schema.StepExecutionResult, 0, len(doc.Steps)),
		Variables:        make(map[string]any),
		CurrentStepIndex: -1,
		StartedAt:        time.Now().UTC(),
	}
	warnEvent(log, e.runFSM.Transition(runCtx, runID, schema.RunStatusIdle, schema.RunStatusRunning))
	log.Info("run started", "steps", len(doc.Steps))

	final := schema.RunStatusCompleted
	next := 0
	for ; next < len(doc.Steps); next++ {
		if e.cancelled(runCtx, run) {
			final = schema.RunStatusAborted
			break
		}

		step := &doc.Steps[next]
		result.CurrentStepIndex = next
		if cb.OnStepStart != nil {
			cb.OnStepStart(next)
		}

		stepResult, outcome := e.runStep(runCtx, run, doc, step, next, result.Variables)
		result.Results = append(result.Results, stepResult)
		if cb.OnStepComplete != nil {
			cb.OnStepComplete(next, stepResult)
		}
		if outcome != schema.RunStatusRunning {
			final = outcome
			next++
			break
		}
	}

	var skipped []string
	for ; next < len(doc.Steps); next++ {
		skipped = append(skipped, doc.Steps[next].ID)
		result.Results = append(result.Results, schema.StepExecutionResult{
			StepID:             doc.Steps[next].ID,
			Status:             schema.StepStatusSkipped,
			ExtractedVariables: map[string]any{},
		})
	}

	warnEvent(log, CloseRun(runCtx, e.runFSM, e.stepFSM, runID, final, skipped))
	result.Status = final
	result.CompletedAt = time.Now().UTC()
	log.Info("run finished", "status", string(final),
		"duration_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
		"skipped", len(skipped))
	return result, nil
}

// runStep executes one step. The returned status is RunStatusRunning when the
// run should continue, otherwise the terminal status the run ends with.
// Resolved extractions are merged into vars.
func (e *Engine) runStep(ctx context.Context, run *activeRun, doc *schema.WorkflowDocument, step *schema.WorkflowStep, index int, vars map[string]any) (schema.StepExecutionResult, schema.RunStatus) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, e.logger)

	started := time.Now().UTC()
	res := schema.StepExecutionResult{
		StepID:             step.ID,
		Status:             schema.StepStatusRunning,
		ExtractedVariables: map[string]any{},
		StartedAt:          &started,
	}
	warnEvent(log, e.stepFSM.TransitionWith(ctx, run.id, step.ID, schema.StepStatusPending, schema.StepStatusRunning,
		store.StepPayload{Index: index, Name: step.Name}))
	log.Debug("step started", "index", index, "name", step.Name)

	fail := func(msg string, resp *schema.ResponseData, outcome schema.RunStatus) (schema.StepExecutionResult, schema.RunStatus) {
		completed := time.Now().UTC()
		res.Status = schema.StepStatusFailure
		res.Error = msg
		res.Response = resp
		res.CompletedAt = &completed
		payload := store.StepPayload{Index: index, Name: step.Name, Error: msg}
		if resp != nil {
			payload.HTTPStatus = resp.Status
		}
		warnEvent(log, e.stepFSM.TransitionWith(ctx, run.id, step.ID, schema.StepStatusRunning, schema.StepStatusFailure, payload))
		return res, outcome
	}

	// Secrets are resolved before {{name}} substitution, so extracted
	// values never expand secret references.
	resolved, err := secrets.ResolveStep(ctx, e.secrets, doc, step)
	if err != nil {
		log.Warn("step secrets unresolved", "error", err)
		return fail(err.Error(), nil, schema.RunStatusFailed)
	}

	req, err := BuildRequest(doc, resolved, vars)
	if err != nil {
		log.Warn("step request invalid", "error", err)
		return fail(err.Error(), nil, schema.RunStatusFailed)
	}

	resp, err := e.transport.Send(ctx, req)
	if err != nil {
		if e.cancelled(ctx, run) {
			log.Info("step aborted in flight", "error", err)
			return fail(abortedPrefix+err.Error(), nil, schema.RunStatusAborted)
		}
		log.Warn("step transport failed", "method", req.Method, "url", req.URL, "error", err)
		return fail(err.Error(), nil, schema.RunStatusFailed)
	}

	if e.expect != nil {
		if err := e.expect.Verify(ctx, step.Expect, resp); err != nil {
			log.Warn("step expectation failed", "status", resp.Status, "error", err)
			return fail(err.Error(), resp, schema.RunStatusFailed)
		}
	}

	extracted := e.extractor.Extract(ctx, resp.Body, step.Extractions)
	for _, ex := range step.Extractions {
		val, ok := extracted[ex.Name]
		if !ok {
			continue
		}
		vars[ex.Name] = val
		warnEvent(log, e.events.AppendEvent(ctx, &store.Event{
			RunID:      run.id,
			WorkflowID: run.workflowID,
			StepID:     step.ID,
			Type:       schema.EventVariableSet,
			Payload:    mustJSON(store.VariablePayload{Name: ex.Name, Value: val}),
		}))
	}

	completed := time.Now().UTC()
	res.Status = schema.StepStatusSuccess
	res.Response = resp
	res.ExtractedVariables = extracted
	res.CompletedAt = &completed
	warnEvent(log, e.stepFSM.TransitionWith(ctx, run.id, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess,
		store.StepPayload{Index: index, Name: step.Name, HTTPStatus: resp.Status}))
	log.Debug("step succeeded", "status", resp.Status, "time_ms", resp.Time, "variables", len(extracted))
	return res, schema.RunStatusRunning
}

// Abort cancels the active run: the in-flight request is cancelled and no
// further step starts. It is a no-op when no run is active or the run was
// already aborted.
func (e *Engine) Abort() {
	e.mu.Lock()
	run := e.active
	if run == nil || run.aborted {
		e.mu.Unlock()
		return
	}
	run.aborted = true
	e.mu.Unlock()

	run.cancel()

	ctx := logging.WithRunID(logging.WithWorkflowID(context.Background(), run.workflowID), run.id)
	log := logging.LogWith(ctx, e.logger)
	log.Info("abort requested")
	warnEvent(log, e.events.AppendEvent(ctx, &store.Event{
		RunID:      run.id,
		WorkflowID: run.workflowID,
		Type:       schema.EventAbortRequested,
	}))
}

// Active reports whether a run is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// cancelled reports whether Abort was called for run or ctx is done.
func (e *Engine) cancelled(ctx context.Context, run *activeRun) bool {
	e.mu.Lock()
	aborted := run.aborted
	e.mu.Unlock()
	return aborted || ctx.Err() != nil
}

// warnEvent logs a failed event append. The event log never fails a run.
func warnEvent(log *slog.Logger, err error) {
	if err != nil {
		log.Warn("event not recorded", "error", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
