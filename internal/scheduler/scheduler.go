// Package scheduler runs saved workflows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/reqchain/internal/engine"
	"github.com/rendis/reqchain/internal/runner"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/pkg/schema"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 60 * time.Second

// Last-run statuses besides the run statuses themselves.
const (
	StatusError    = "error"
	StatusDeferred = "deferred"
)

// WorkflowRunner runs a persisted workflow. Satisfied by *runner.Runner.
type WorkflowRunner interface {
	RunSaved(ctx context.Context, workflowID, trigger string, obs runner.Observer) (*engine.RunResult, error)
}

// Scheduler polls the store for due schedules and runs them one at a time.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// NewScheduler creates a Scheduler. interval <= 0 selects DefaultInterval.
func NewScheduler(s store.Store, r WorkflowRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		runner:   r,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Add creates an enabled schedule for workflowID.
func (s *Scheduler) Add(ctx context.Context, workflowID, cronExpr string) (*store.Schedule, error) {
	next, err := s.CalculateNextRun(cronExpr, s.now())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	sched := &store.Schedule{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule that is due and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	ran := 0
	for _, sched := range schedules {
		if ctx.Err() != nil {
			return ran
		}
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		ok, err := s.runSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			ran++
		}
		s.releaseSchedule(sched.ID)
	}
	return ran
}

// runSchedule runs one due schedule. A busy runner leaves the schedule due
// so the next tick picks it up; ok reports whether a run happened.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) (bool, error) {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	res, err := s.runner.RunSaved(ctx, sched.WorkflowID, store.TriggerSchedule, nil)
	if schema.IsCode(err, schema.ErrCodeConflict) {
		s.logger.Info("runner busy, schedule deferred", slog.String("schedule_id", sched.ID))
		status := StatusDeferred
		return false, s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{LastRunStatus: &status})
	}

	status := StatusError
	if err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		status = string(res.Status)
	}
	return true, s.updateScheduleStatus(ctx, sched, now, status)
}

func (s *Scheduler) updateScheduleStatus(ctx context.Context, sched *store.Schedule, now time.Time, status string) error {
	next, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: &status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseSchedule(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
