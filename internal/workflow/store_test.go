package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/pkg/schema"
)

func loaded(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := New(nil, nil)
	doc := &schema.WorkflowDocument{ID: "wf-1", Name: "flow", ServerURL: "http://api.test"}
	for _, id := range ids {
		doc.Steps = append(doc.Steps, schema.WorkflowStep{ID: id, Name: id})
	}
	s.Load(doc)
	return s
}

func stepIDs(s *Store) []string {
	var ids []string
	for _, st := range s.Workflow().Steps {
		ids = append(ids, st.ID)
	}
	return ids
}

func assertDense(t *testing.T, s *Store) {
	t.Helper()
	for i, st := range s.Workflow().Steps {
		assert.Equal(t, i, st.Order, "step %s", st.ID)
	}
}

func TestLoad_ReindexesAndCopies(t *testing.T) {
	s := New(nil, nil)
	doc := &schema.WorkflowDocument{ID: "wf-1", ServerURL: "http://x", Steps: []schema.WorkflowStep{
		{ID: "a", Order: 5}, {ID: "b", Order: 9},
	}}
	s.Load(doc)
	assertDense(t, s)

	doc.Steps[0].Name = "mutated"
	assert.Empty(t, s.Workflow().Steps[0].Name, "Load copies the document")

	got := s.Workflow()
	got.Steps[0].Name = "mutated"
	assert.Empty(t, s.Workflow().Steps[0].Name, "Workflow returns a copy")
	assert.NotNil(t, got.Steps[0].Request.Headers)
	assert.NotNil(t, got.Steps[0].Extractions)
}

func TestAddStep(t *testing.T) {
	s := loaded(t, "a")
	before := s.Workflow().UpdatedAt

	id := s.AddStep(schema.WorkflowStep{Name: "new", Order: 42})
	assert.NotEmpty(t, id)
	steps := s.Workflow().Steps
	require.Len(t, steps, 2)
	assert.Equal(t, id, steps[1].ID)
	assert.Equal(t, 1, steps[1].Order)
	assert.True(t, s.Workflow().UpdatedAt.After(before))

	assert.Equal(t, "given", s.AddStep(schema.WorkflowStep{ID: "given"}))
}

func TestRemoveStep_Reindexes(t *testing.T) {
	s := loaded(t, "a", "b", "c", "d")
	assert.True(t, s.RemoveStep("b"))
	assert.Equal(t, []string{"a", "c", "d"}, stepIDs(s))
	assertDense(t, s)

	assert.False(t, s.RemoveStep("missing"))
	assert.Equal(t, []string{"a", "c", "d"}, stepIDs(s))
}

func TestReorderStep(t *testing.T) {
	s := loaded(t, "a", "b", "c")

	assert.True(t, s.ReorderStep("b", Up))
	assert.Equal(t, []string{"b", "a", "c"}, stepIDs(s))
	assertDense(t, s)

	assert.True(t, s.ReorderStep("b", Down))
	assert.Equal(t, []string{"a", "b", "c"}, stepIDs(s))

	assert.False(t, s.ReorderStep("a", Up), "first step cannot move up")
	assert.False(t, s.ReorderStep("c", Down), "last step cannot move down")
	assert.Equal(t, []string{"a", "b", "c"}, stepIDs(s))
}

func TestReorderSteps_SpliceNotSwap(t *testing.T) {
	s := loaded(t, "s1", "s2", "s3")
	assert.True(t, s.ReorderSteps(0, 2))
	assert.Equal(t, []string{"s2", "s3", "s1"}, stepIDs(s))
	assertDense(t, s)

	assert.True(t, s.ReorderSteps(2, 0))
	assert.Equal(t, []string{"s1", "s2", "s3"}, stepIDs(s))
}

func TestReorderSteps_OutOfRange(t *testing.T) {
	s := loaded(t, "s1", "s2", "s3")
	for _, c := range [][2]int{{-1, 0}, {0, 3}, {3, 0}, {0, -1}} {
		assert.False(t, s.ReorderSteps(c[0], c[1]), "%v", c)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, stepIDs(s))
}

func TestOrderInvariant_RandomMutations(t *testing.T) {
	s := loaded(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		ids := stepIDs(s)
		switch op := rng.Intn(5); {
		case op == 0 || len(ids) == 0:
			s.AddStep(schema.WorkflowStep{ID: fmt.Sprintf("s%d", i)})
		case op == 1:
			s.RemoveStep(ids[rng.Intn(len(ids))])
		case op == 2:
			s.ReorderStep(ids[rng.Intn(len(ids))], Direction(rng.Intn(2)))
		default:
			s.ReorderSteps(rng.Intn(len(ids)+1)-1, rng.Intn(len(ids)+1))
		}
		assertDense(t, s)
	}
}

func TestUpdateStep(t *testing.T) {
	s := loaded(t, "a", "b")
	ok := s.UpdateStep("b", func(st *schema.WorkflowStep) {
		st.Name = "renamed"
		st.ID = "hijack"
		st.Order = 99
		st.Request.Method = "POST"
	})
	assert.True(t, ok)

	st := s.Workflow().Steps[1]
	assert.Equal(t, "b", st.ID)
	assert.Equal(t, 1, st.Order)
	assert.Equal(t, "renamed", st.Name)
	assert.Equal(t, "POST", st.Request.Method)

	assert.False(t, s.UpdateStep("missing", func(*schema.WorkflowStep) { t.Fatal("called") }))
}

func TestExtractions_ScopedToStep(t *testing.T) {
	s := loaded(t, "a", "b")

	id := s.AddExtraction("a", schema.VariableExtraction{Name: "token", JSONPath: "$.token"})
	require.NotEmpty(t, id)
	s.AddExtraction("b", schema.VariableExtraction{ID: "other", Name: "user", JSONPath: "$.user"})
	assert.Empty(t, s.AddExtraction("missing", schema.VariableExtraction{Name: "x"}))

	assert.True(t, s.UpdateExtraction("a", id, func(ex *schema.VariableExtraction) { ex.JSONPath = "$.access_token" }))
	assert.False(t, s.UpdateExtraction("b", id, func(*schema.VariableExtraction) {}), "extraction belongs to a")

	steps := s.Workflow().Steps
	require.Len(t, steps[0].Extractions, 1)
	assert.Equal(t, "$.access_token", steps[0].Extractions[0].JSONPath)
	assert.Equal(t, id, steps[0].Extractions[0].ID)

	assert.False(t, s.RemoveExtraction("b", id))
	assert.True(t, s.RemoveExtraction("a", id))
	steps = s.Workflow().Steps
	assert.Empty(t, steps[0].Extractions)
	assert.Len(t, steps[1].Extractions, 1)
}

func TestAvailableVariables_DelegatesToLiveSteps(t *testing.T) {
	s := loaded(t, "a", "b", "c")
	s.AddExtraction("a", schema.VariableExtraction{Name: "token"})
	s.AddExtraction("b", schema.VariableExtraction{Name: "userId"})

	assert.Empty(t, s.AvailableVariables(0))
	assert.Equal(t, []schema.VariableInfo{{Name: "token", StepName: "a", StepID: "a"}}, s.AvailableVariables(1))
	assert.Len(t, s.AvailableVariables(10), 2)

	s.ReorderSteps(1, 0)
	assert.Equal(t, "userId", s.AvailableVariables(1)[0].Name)
}

func TestUpdateMeta(t *testing.T) {
	s := loaded(t)
	name := "renamed"
	url := "https://prod.example.com"
	assert.True(t, s.UpdateMeta(MetaPatch{Name: &name, ServerURL: &url, SharedAuth: &schema.AuthConfig{Type: schema.AuthBearer, Token: "t"}}))

	doc := s.Workflow()
	assert.Equal(t, "renamed", doc.Name)
	assert.Equal(t, url, doc.ServerURL)
	require.NotNil(t, doc.SharedAuth)

	s.UpdateMeta(MetaPatch{ClearSharedAuth: true})
	assert.Nil(t, s.Workflow().SharedAuth)
}

func TestMutatorsWithoutWorkflowAreNoOps(t *testing.T) {
	s := New(nil, nil)

	assert.Empty(t, s.AddStep(schema.WorkflowStep{ID: "a"}))
	assert.False(t, s.RemoveStep("a"))
	assert.False(t, s.ReorderStep("a", Down))
	assert.False(t, s.ReorderSteps(0, 1))
	assert.False(t, s.UpdateStep("a", func(*schema.WorkflowStep) {}))
	assert.Empty(t, s.AddExtraction("a", schema.VariableExtraction{}))
	assert.False(t, s.RemoveExtraction("a", "x"))
	assert.False(t, s.UpdateExtraction("a", "x", func(*schema.VariableExtraction) {}))
	assert.False(t, s.UpdateMeta(MetaPatch{}))
	running := schema.RunStatusRunning
	assert.False(t, s.SetExecution(ExecutionPatch{Status: &running}))
	assert.False(t, s.RecordStepResult(schema.StepExecutionResult{StepID: "a"}))
	s.ResetExecution()

	assert.Nil(t, s.Workflow())
	assert.Empty(t, s.AvailableVariables(3))
	assert.Equal(t, schema.NewIdleExecution(), s.Execution())
}

func TestResetExecution_ReplacesWholesale(t *testing.T) {
	s := loaded(t, "a")
	running := schema.RunStatusRunning
	wfID := "wf-1"
	idx := 0
	s.SetExecution(ExecutionPatch{WorkflowID: &wfID, Status: &running, CurrentStepIndex: &idx})
	s.RecordStepResult(schema.StepExecutionResult{StepID: "a", Status: schema.StepStatusSuccess,
		ExtractedVariables: map[string]any{"token": "abc"}})

	s.ResetExecution()
	assert.Equal(t, schema.NewIdleExecution(), s.Execution())
}

func TestSetExecution_ShallowMerge(t *testing.T) {
	s := loaded(t, "a")
	running := schema.RunStatusRunning
	now := time.Now()
	assert.True(t, s.SetExecution(ExecutionPatch{Status: &running, StartedAt: &now}))

	idx := 0
	assert.True(t, s.SetExecution(ExecutionPatch{CurrentStepIndex: &idx}))

	ex := s.Execution()
	assert.Equal(t, schema.RunStatusRunning, ex.Status)
	assert.Equal(t, 0, ex.CurrentStepIndex)
	require.NotNil(t, ex.StartedAt)
	assert.Empty(t, ex.Results)
}

func TestRecordStepResult_MergesVariables(t *testing.T) {
	s := loaded(t, "a", "b")
	running := schema.RunStatusRunning
	s.SetExecution(ExecutionPatch{Status: &running})

	s.RecordStepResult(schema.StepExecutionResult{StepID: "a", Status: schema.StepStatusSuccess,
		ExtractedVariables: map[string]any{"token": "abc", "id": 1}})
	s.RecordStepResult(schema.StepExecutionResult{StepID: "b", Status: schema.StepStatusSuccess,
		ExtractedVariables: map[string]any{"id": 2}})

	ex := s.Execution()
	assert.Len(t, ex.Results, 2)
	assert.Equal(t, map[string]any{"token": "abc", "id": 2}, ex.Variables)
	_, ok := ex.ResultFor("b")
	assert.True(t, ok)
}

func TestExecution_FrozenOnceTerminal(t *testing.T) {
	s := loaded(t, "a")
	done := schema.RunStatusCompleted
	s.SetExecution(ExecutionPatch{Status: &done})

	running := schema.RunStatusRunning
	assert.False(t, s.SetExecution(ExecutionPatch{Status: &running}))
	assert.False(t, s.RecordStepResult(schema.StepExecutionResult{StepID: "a"}))
	assert.Equal(t, schema.RunStatusCompleted, s.Execution().Status)

	s.ResetExecution()
	assert.True(t, s.SetExecution(ExecutionPatch{Status: &running}))
}

func TestExecution_ReturnsCopy(t *testing.T) {
	s := loaded(t, "a")
	running := schema.RunStatusRunning
	s.SetExecution(ExecutionPatch{Status: &running})
	s.RecordStepResult(schema.StepExecutionResult{StepID: "a", ExtractedVariables: map[string]any{"k": "v"}})

	ex := s.Execution()
	ex.Variables["k"] = "changed"
	ex.Results[0].StepID = "changed"
	assert.Equal(t, "v", s.Execution().Variables["k"])
	assert.Equal(t, "a", s.Execution().Results[0].StepID)
}

// --- persistence ---

func newPersist(t *testing.T) *store.LibSQLStore {
	t.Helper()
	ls, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	require.NoError(t, ls.Migrate(context.Background()))
	t.Cleanup(func() { _ = ls.Close() })
	return ls
}

func TestSaveAndOpen(t *testing.T) {
	ctx := context.Background()
	persist := newPersist(t)

	s := New(persist, nil)
	s.Load(&schema.WorkflowDocument{Name: "new", ServerURL: "http://api.test"})
	s.AddStep(schema.WorkflowStep{ID: "a", Name: "A"})
	require.NoError(t, s.Save(ctx))

	id := s.Workflow().ID
	require.NotEmpty(t, id)

	s.AddStep(schema.WorkflowStep{ID: "b", Name: "B"})
	s.ReorderSteps(1, 0)
	require.NoError(t, s.Save(ctx))

	other := New(persist, nil)
	require.NoError(t, other.Open(ctx, id))
	assert.Equal(t, []string{"b", "a"}, stepIDs(other))
	assertDense(t, other)

	err := other.Open(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSave_Errors(t *testing.T) {
	ctx := context.Background()

	err := New(nil, nil).Save(ctx)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	err = New(newPersist(t), nil).Save(ctx)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	s := New(newPersist(t), nil)
	s.Load(&schema.WorkflowDocument{Name: "no server"})
	err = s.Save(ctx)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
