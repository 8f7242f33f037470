// Package runner drives one run of the loaded workflow: it resets the
// execution, executes the document, feeds engine progress into the workflow
// state, and records the finished run.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reqchain/internal/engine"
	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/secrets"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/streaming"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/internal/workflow"
	"github.com/rendis/reqchain/pkg/schema"
)

// Observer is notified of run progress. Calls happen on the running goroutine.
type Observer interface {
	StepStarted(index int, step schema.WorkflowStep)
	StepCompleted(index int, step schema.WorkflowStep, result schema.StepExecutionResult)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStart    func(index int, step schema.WorkflowStep)
	OnComplete func(index int, step schema.WorkflowStep, result schema.StepExecutionResult)
}

func (o ObserverFuncs) StepStarted(index int, step schema.WorkflowStep) {
	if o.OnStart != nil {
		o.OnStart(index, step)
	}
}

func (o ObserverFuncs) StepCompleted(index int, step schema.WorkflowStep, result schema.StepExecutionResult) {
	if o.OnComplete != nil {
		o.OnComplete(index, step, result)
	}
}

// Config holds the runner's collaborators. Transport is required; Store is
// optional and enables run history and the event log.
type Config struct {
	Transport    transport.Transport
	Expectations *expressions.Expectations
	Store        store.Store
	Secrets      secrets.Vault
	Hub          streaming.EventHub // nil = progress is not published
	Logger       *slog.Logger
}

// Runner executes the workflow held by a workflow.Store, one run at a time.
type Runner struct {
	state   *workflow.Store
	engine  *engine.Engine
	persist store.Store
	hub     streaming.EventHub
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Runner over state.
func New(state *workflow.Store, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ecfg := engine.Config{
		Transport:    cfg.Transport,
		Extractor:    expressions.NewExtractor(logger),
		Expectations: cfg.Expectations,
		Secrets:      cfg.Secrets,
		Logger:       logger,
	}
	if cfg.Store != nil {
		ecfg.Events = cfg.Store
	}
	return &Runner{
		state:   state,
		engine:  engine.New(ecfg),
		persist: cfg.Store,
		hub:     cfg.Hub,
		logger:  logger,
	}
}

// State returns the workflow state the runner executes.
func (r *Runner) State() *workflow.Store { return r.state }

// Busy reports whether a run is in progress.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Abort cancels the run in progress, if any.
func (r *Runner) Abort() {
	r.engine.Abort()
}

// Run executes the loaded workflow. obs may be nil. A second Run while one
// is in progress fails with CONFLICT.
func (r *Runner) Run(ctx context.Context, trigger string, obs Observer) (*engine.RunResult, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	defer r.end()
	return r.run(ctx, trigger, obs)
}

// RunSaved opens the persisted workflow id and executes it.
func (r *Runner) RunSaved(ctx context.Context, id, trigger string, obs Observer) (*engine.RunResult, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	defer r.end()
	if err := r.state.Open(ctx, id); err != nil {
		return nil, err
	}
	return r.run(ctx, trigger, obs)
}

func (r *Runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return schema.NewError(schema.ErrCodeConflict, "a run is already in progress")
	}
	r.running = true
	return nil
}

func (r *Runner) end() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, trigger string, obs Observer) (*engine.RunResult, error) {
	doc := r.state.Workflow()
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no workflow loaded")
	}
	if trigger == "" {
		trigger = store.TriggerManual
	}

	runID := uuid.New().String()
	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, doc.ID), runID)
	log := logging.LogWith(ctx, r.logger)

	started := time.Now().UTC()
	running := schema.RunStatusRunning
	r.state.ResetExecution()
	r.state.SetExecution(workflow.ExecutionPatch{
		WorkflowID: &doc.ID,
		Status:     &running,
		StartedAt:  &started,
	})

	publish := func(e streaming.RunEvent) {
		if r.hub == nil {
			return
		}
		e.WorkflowID, e.RunID, e.Trigger = doc.ID, runID, trigger
		// Progress still goes out after the run context is cancelled.
		if err := r.hub.Publish(context.WithoutCancel(ctx), e); err != nil {
			log.Debug("progress not published", "error", err)
		}
	}

	res, err := r.engine.Execute(ctx, doc, engine.Callbacks{
		OnStepStart: func(i int) {
			r.state.SetExecution(workflow.ExecutionPatch{CurrentStepIndex: &i, Status: &running})
			if obs != nil {
				obs.StepStarted(i, doc.Steps[i])
			}
			publish(streaming.StepStarted(i, doc.Steps[i]))
		},
		OnStepComplete: func(i int, result schema.StepExecutionResult) {
			r.state.RecordStepResult(result)
			if obs != nil {
				obs.StepCompleted(i, doc.Steps[i], result)
			}
			publish(streaming.StepCompleted(i, doc.Steps[i], result))
		},
	})
	if err != nil {
		failed := schema.RunStatusFailed
		now := time.Now().UTC()
		r.state.SetExecution(workflow.ExecutionPatch{Status: &failed, CompletedAt: &now})
		return nil, err
	}

	r.state.SetExecution(workflow.ExecutionPatch{
		Status:           &res.Status,
		CurrentStepIndex: &res.CurrentStepIndex,
		Results:          res.Results,
		Variables:        res.Variables,
		CompletedAt:      &res.CompletedAt,
	})
	log.Info("run recorded", "status", string(res.Status), "trigger", trigger)
	publish(streaming.RunEvent{
		EventType: streaming.EventRunFinished,
		StepIndex: res.CurrentStepIndex,
		Status:    string(res.Status),
	})

	r.saveRun(ctx, log, doc, res, trigger)
	return res, nil
}

// saveRun writes run history for saved workflows. Failures are logged only.
func (r *Runner) saveRun(ctx context.Context, log *slog.Logger, doc *schema.WorkflowDocument, res *engine.RunResult, trigger string) {
	if r.persist == nil || doc.ID == "" {
		return
	}
	started := res.StartedAt
	completed := res.CompletedAt
	err := r.persist.SaveRun(ctx, &store.Run{
		ID:               res.RunID,
		WorkflowID:       doc.ID,
		Status:           res.Status,
		Trigger:          trigger,
		CurrentStepIndex: res.CurrentStepIndex,
		Results:          res.Results,
		Variables:        res.Variables,
		StartedAt:        &started,
		CompletedAt:      &completed,
	})
	if err != nil {
		log.Warn("run history not saved", "error", err)
	}
}
