// Package workflow holds the live workflow document and the observable state
// of its current run. All mutators are serialized by one mutex and are no-ops
// when no workflow is loaded.
package workflow

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/pkg/schema"
)

// Direction moves a step towards the start (Up) or the end (Down).
type Direction int

const (
	Up Direction = iota
	Down
)

// MetaPatch changes workflow-level fields. Nil fields are left unchanged.
type MetaPatch struct {
	Name            *string
	Description     *string
	ServerURL       *string
	SharedAuth      *schema.AuthConfig
	ClearSharedAuth bool
}

// ExecutionPatch is a shallow merge applied by SetExecution. Nil fields are
// left unchanged.
type ExecutionPatch struct {
	WorkflowID       *string
	Status           *schema.RunStatus
	CurrentStepIndex *int
	Results          []schema.StepExecutionResult
	Variables        map[string]any
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Store is the single-writer container for the loaded document and its
// execution state. Readers receive deep copies.
type Store struct {
	persist store.Store
	logger  *slog.Logger

	mu        sync.Mutex
	doc       *schema.WorkflowDocument
	execution *schema.WorkflowExecution
}

// New creates an empty Store. persist may be nil, in which case Save and
// Open return an error.
func New(persist store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		persist:   persist,
		logger:    logger,
		execution: schema.NewIdleExecution(),
	}
}

// --- Document lifecycle ---

// Load makes a copy of doc the current workflow and resets the execution.
// Steps are reindexed and nil collections normalized.
func (s *Store) Load(doc *schema.WorkflowDocument) {
	if doc == nil {
		return
	}
	cp := doc.Clone()
	if cp.Steps == nil {
		cp.Steps = []schema.WorkflowStep{}
	}
	for i := range cp.Steps {
		normalizeStep(&cp.Steps[i])
	}
	schema.Reindex(cp.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = cp
	s.execution = schema.NewIdleExecution()
}

// Unload drops the current workflow.
func (s *Store) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = nil
	s.execution = schema.NewIdleExecution()
}

// Workflow returns a copy of the current workflow, or nil.
func (s *Store) Workflow() *schema.WorkflowDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	return s.doc.Clone()
}

// Execution returns a copy of the current execution state.
func (s *Store) Execution() *schema.WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execution.Clone()
}

// --- Steps ---

// AddStep appends step and returns its ID, generating one when empty.
// Returns "" when no workflow is loaded.
func (s *Store) AddStep(step schema.WorkflowStep) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	step = step.Clone()
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	normalizeStep(&step)
	step.Order = len(s.doc.Steps)
	s.doc.Steps = append(s.doc.Steps, step)
	s.touch()
	return step.ID
}

// UpdateStep applies fn to the step with the given ID. fn may not change
// the step's ID or position; Order is re-enforced afterwards.
func (s *Store) UpdateStep(id string, fn func(step *schema.WorkflowStep)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	fn(&s.doc.Steps[i])
	s.doc.Steps[i].ID = id
	normalizeStep(&s.doc.Steps[i])
	s.reindex()
	return true
}

// RemoveStep deletes the step with the given ID and reindexes the rest.
func (s *Store) RemoveStep(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.doc.Steps = append(s.doc.Steps[:i], s.doc.Steps[i+1:]...)
	s.reindex()
	return true
}

// ReorderStep swaps the step with its neighbor in dir. It is a no-op at
// either boundary.
func (s *Store) ReorderStep(id string, dir Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	j := i - 1
	if dir == Down {
		j = i + 1
	}
	if j < 0 || j >= len(s.doc.Steps) {
		return false
	}
	s.doc.Steps[i], s.doc.Steps[j] = s.doc.Steps[j], s.doc.Steps[i]
	s.reindex()
	return true
}

// ReorderSteps removes the step at from and reinserts it at to. Out of
// range indices are a no-op.
func (s *Store) ReorderSteps(from, to int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return false
	}
	n := len(s.doc.Steps)
	if from < 0 || from >= n || to < 0 || to >= n {
		return false
	}
	if from == to {
		return true
	}
	moved := s.doc.Steps[from]
	steps := append(s.doc.Steps[:from:from], s.doc.Steps[from+1:]...)
	steps = append(steps[:to], append([]schema.WorkflowStep{moved}, steps[to:]...)...)
	s.doc.Steps = steps
	s.reindex()
	return true
}

// --- Extractions ---

// AddExtraction appends ex to the step's extractions and returns its ID,
// generating one when empty. Returns "" when the step does not exist.
func (s *Store) AddExtraction(stepID string, ex schema.VariableExtraction) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(stepID)
	if i < 0 {
		return ""
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	s.doc.Steps[i].Extractions = append(s.doc.Steps[i].Extractions, ex)
	s.touch()
	return ex.ID
}

// RemoveExtraction deletes one extraction of one step.
func (s *Store) RemoveExtraction(stepID, extractionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, j := s.extractionIndex(stepID, extractionID)
	if j < 0 {
		return false
	}
	exs := s.doc.Steps[i].Extractions
	s.doc.Steps[i].Extractions = append(exs[:j], exs[j+1:]...)
	s.touch()
	return true
}

// UpdateExtraction applies fn to one extraction of one step. The ID is kept.
func (s *Store) UpdateExtraction(stepID, extractionID string, fn func(ex *schema.VariableExtraction)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, j := s.extractionIndex(stepID, extractionID)
	if j < 0 {
		return false
	}
	fn(&s.doc.Steps[i].Extractions[j])
	s.doc.Steps[i].Extractions[j].ID = extractionID
	s.touch()
	return true
}

// --- Metadata ---

// UpdateMeta applies patch to the workflow-level fields.
func (s *Store) UpdateMeta(patch MetaPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return false
	}
	if patch.Name != nil {
		s.doc.Name = *patch.Name
	}
	if patch.Description != nil {
		s.doc.Description = *patch.Description
	}
	if patch.ServerURL != nil {
		s.doc.ServerURL = *patch.ServerURL
	}
	switch {
	case patch.ClearSharedAuth:
		s.doc.SharedAuth = nil
	case patch.SharedAuth != nil:
		s.doc.SharedAuth = patch.SharedAuth.Clone()
	}
	s.touch()
	return true
}

// AvailableVariables lists the variables visible to the step at index
// beforeStepIndex of the current workflow.
func (s *Store) AvailableVariables(beforeStepIndex int) []schema.VariableInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return []schema.VariableInfo{}
	}
	return expressions.AvailableVariables(s.doc.Steps, beforeStepIndex)
}

// --- Execution ---

// ResetExecution replaces the execution with a fresh idle state.
func (s *Store) ResetExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return
	}
	s.execution = schema.NewIdleExecution()
}

// SetExecution shallow-merges patch into the execution. It is ignored once
// the execution has reached a terminal status.
func (s *Store) SetExecution(patch ExecutionPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil || s.execution.Status.IsTerminal() {
		return false
	}
	ex := s.execution
	if patch.WorkflowID != nil {
		ex.WorkflowID = *patch.WorkflowID
	}
	if patch.Status != nil {
		ex.Status = *patch.Status
	}
	if patch.CurrentStepIndex != nil {
		ex.CurrentStepIndex = *patch.CurrentStepIndex
	}
	if patch.Results != nil {
		ex.Results = append([]schema.StepExecutionResult(nil), patch.Results...)
	}
	if patch.Variables != nil {
		ex.Variables = maps.Clone(patch.Variables)
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		ex.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		ex.CompletedAt = &t
	}
	return true
}

// RecordStepResult appends result and merges its extracted variables into
// the execution. It is ignored once the execution is terminal.
func (s *Store) RecordStepResult(result schema.StepExecutionResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil || s.execution.Status.IsTerminal() {
		return false
	}
	s.execution.Results = append(s.execution.Results, result)
	maps.Copy(s.execution.Variables, result.ExtractedVariables)
	return true
}

// --- Persistence ---

// Save writes the current workflow through the persistence layer, creating
// it when it has no ID or does not exist yet.
func (s *Store) Save(ctx context.Context) error {
	if s.persist == nil {
		return schema.NewError(schema.ErrCodeStore, "no persistence configured")
	}
	doc := s.Workflow()
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "no workflow loaded")
	}
	ctx = logging.WithWorkflowID(ctx, doc.ID)
	log := logging.LogWith(ctx, s.logger)

	if doc.ID != "" {
		err := s.persist.UpdateWorkflow(ctx, doc.ID, store.WorkflowUpdate{
			Name:            &doc.Name,
			Description:     &doc.Description,
			Steps:           doc.Steps,
			ServerURL:       &doc.ServerURL,
			SharedAuth:      doc.SharedAuth,
			ClearSharedAuth: doc.SharedAuth == nil,
		})
		if err == nil {
			log.Debug("workflow saved")
			return nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
	}

	if err := s.persist.CreateWorkflow(ctx, doc); err != nil {
		return err
	}
	log.Debug("workflow created", "workflow_id", doc.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil && (s.doc.ID == "" || s.doc.ID == doc.ID) {
		s.doc.ID = doc.ID
		s.doc.CreatedAt = doc.CreatedAt
		s.doc.UpdatedAt = doc.UpdatedAt
		if s.doc.Steps == nil {
			s.doc.Steps = []schema.WorkflowStep{}
		}
	}
	return nil
}

// Open loads the workflow with the given ID from the persistence layer.
func (s *Store) Open(ctx context.Context, id string) error {
	if s.persist == nil {
		return schema.NewError(schema.ErrCodeStore, "no persistence configured")
	}
	doc, err := s.persist.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	s.Load(doc)
	return nil
}

// --- helpers (callers hold s.mu) ---

func (s *Store) indexOf(stepID string) int {
	if s.doc == nil {
		return -1
	}
	for i := range s.doc.Steps {
		if s.doc.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func (s *Store) extractionIndex(stepID, extractionID string) (int, int) {
	i := s.indexOf(stepID)
	if i < 0 {
		return -1, -1
	}
	for j, ex := range s.doc.Steps[i].Extractions {
		if ex.ID == extractionID {
			return i, j
		}
	}
	return i, -1
}

func (s *Store) reindex() {
	schema.Reindex(s.doc.Steps)
	s.touch()
}

func (s *Store) touch() {
	s.doc.UpdatedAt = time.Now().UTC()
}

func normalizeStep(step *schema.WorkflowStep) {
	if step.Request.Headers == nil {
		step.Request.Headers = map[string]string{}
	}
	if step.Request.QueryParams == nil {
		step.Request.QueryParams = map[string]string{}
	}
	if step.Extractions == nil {
		step.Extractions = []schema.VariableExtraction{}
	}
}
