package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/reqchain/pkg/schema"
)

// Run is the persisted history of one workflow execution.
type Run struct {
	ID               string                       `json:"id"`
	WorkflowID       string                       `json:"workflow_id"`
	Status           schema.RunStatus             `json:"status"`
	Trigger          string                       `json:"trigger"` // manual, schedule, mcp
	CurrentStepIndex int                          `json:"current_step_index"`
	Results          []schema.StepExecutionResult `json:"results"`
	Variables        map[string]any               `json:"variables"`
	StartedAt        *time.Time                   `json:"started_at,omitempty"`
	CompletedAt      *time.Time                   `json:"completed_at,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
}

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerMCP      = "mcp"
)

// Event is an immutable entry in a run's event log.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Schedule is a cron-triggered run of a saved workflow.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowUpdate specifies mutable fields of a workflow. Nil fields are unchanged.
type WorkflowUpdate struct {
	Name            *string               `json:"name,omitempty"`
	Description     *string               `json:"description,omitempty"`
	Steps           []schema.WorkflowStep `json:"steps,omitempty"`
	ServerURL       *string               `json:"serverUrl,omitempty"`
	SharedAuth      *schema.AuthConfig    `json:"sharedAuth,omitempty"`
	ClearSharedAuth bool                  `json:"-"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID      string     `json:"run_id,omitempty"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	StepID     string     `json:"step_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Enabled    *bool      `json:"enabled,omitempty"`
	DueBefore  *time.Time `json:"due_before,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	CronExpression *string    `json:"cron_expression,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  *string    `json:"last_run_status,omitempty"`
}
