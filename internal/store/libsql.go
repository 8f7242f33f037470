package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/reqchain/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/reqchain.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// CreateWorkflow inserts doc. ServerURL is required; a missing ID is
// generated, nil Steps become empty, and zero timestamps are set to now.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, doc *schema.WorkflowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if strings.TrimSpace(doc.ServerURL) == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow serverUrl is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Steps == nil {
		doc.Steps = []schema.WorkflowStep{}
	}
	schema.Reindex(doc.Steps)
	doc.CreatedAt = timeOrNow(doc.CreatedAt)
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	steps, err := json.Marshal(doc.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	auth, err := marshalAuth(doc.SharedAuth)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, server_url, shared_auth, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, nullStr(doc.Description), doc.ServerURL, auth, string(steps),
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", doc.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, server_url, shared_auth, steps, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	doc, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return doc, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.ServerURL != nil {
		if strings.TrimSpace(*update.ServerURL) == "" {
			return schema.NewError(schema.ErrCodeValidation, "workflow serverUrl cannot be empty")
		}
		sets = append(sets, "server_url = ?")
		args = append(args, *update.ServerURL)
	}
	if update.Steps != nil {
		steps := make([]schema.WorkflowStep, len(update.Steps))
		copy(steps, update.Steps)
		schema.Reindex(steps)
		b, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(b))
	}
	switch {
	case update.ClearSharedAuth:
		sets = append(sets, "shared_auth = NULL")
	case update.SharedAuth != nil:
		auth, err := marshalAuth(update.SharedAuth)
		if err != nil {
			return err
		}
		sets = append(sets, "shared_auth = ?")
		args = append(args, auth)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ListWorkflows returns every workflow, most recently updated first.
func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, server_url, shared_auth, steps, created_at, updated_at
		 FROM workflows ORDER BY updated_at DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []*schema.WorkflowDocument{}
	for rows.Next() {
		doc, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.WorkflowDocument, error) {
	doc := &schema.WorkflowDocument{}
	var description, auth sql.NullString
	var steps string
	if err := row.Scan(&doc.ID, &doc.Name, &description, &doc.ServerURL, &auth, &steps, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Description = description.String
	if err := json.Unmarshal([]byte(steps), &doc.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if doc.Steps == nil {
		doc.Steps = []schema.WorkflowStep{}
	}
	if auth.Valid && auth.String != "" {
		doc.SharedAuth = &schema.AuthConfig{}
		if err := json.Unmarshal([]byte(auth.String), doc.SharedAuth); err != nil {
			return nil, fmt.Errorf("unmarshal shared_auth: %w", err)
		}
	}
	return doc, nil
}

// --- Runs ---

// SaveRun inserts or replaces a run record.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	if run.Trigger == "" {
		run.Trigger = TriggerManual
	}
	results, err := json.Marshal(nonNilResults(run.Results))
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	vars, err := marshalMapOrDefault(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, run_trigger, current_step_index, results, variables, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, current_step_index=excluded.current_step_index,
		   results=excluded.results, variables=excluded.variables, started_at=excluded.started_at,
		   completed_at=excluded.completed_at`,
		run.ID, run.WorkflowID, string(run.Status), run.Trigger, run.CurrentStepIndex,
		string(results), string(vars), nullTime(run.StartedAt), nullTime(run.CompletedAt), run.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, run_trigger, current_step_index, results, variables, started_at, completed_at, created_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// ListRuns returns runs of a workflow, newest first. limit <= 0 means 50.
func (s *LibSQLStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, run_trigger, current_step_index, results, variables, started_at, completed_at, created_at
		 FROM runs WHERE workflow_id = ? ORDER BY created_at DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status, results, vars string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.WorkflowID, &status, &run.Trigger, &run.CurrentStepIndex,
		&results, &vars, &startedAt, &completedAt, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal([]byte(vars), &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

// AppendEvent appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// BeginTx starts a deferred transaction in WAL mode; touching
	// schema_version takes the write lock before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("release write lock row: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.WorkflowID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events of a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events matching filter in insertion order.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, run_id, workflow_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkflowID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpression, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), sched.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// ListSchedules returns schedules matching filter, soonest next run first.
func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT id, workflow_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		FROM scheduled_runs WHERE 1=1`
	var args []any

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, *filter.Enabled)
	}
	if filter.DueBefore != nil {
		query += " AND next_run_at IS NOT NULL AND next_run_at <= ?"
		args = append(args, *filter.DueBefore)
	}
	query += " ORDER BY next_run_at ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scheds := []*Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	if err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpression, &sched.Enabled,
		&lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	sched.LastRunStatus = lastStatus.String
	return sched, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=excluded.created_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns secret names in ascending order. Values are not read.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VaultSalt returns the database's vault salt, creating it on first use.
func (s *LibSQLStore) VaultSalt(ctx context.Context) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_meta (id, salt, created_at) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
		salt, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("init vault salt: %w", err)
	}
	var stored []byte
	if err := s.db.QueryRowContext(ctx, `SELECT salt FROM vault_meta WHERE id = 1`).Scan(&stored); err != nil {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	return stored, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalAuth(a *schema.AuthConfig) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal auth: %w", err)
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func nonNilResults(r []schema.StepExecutionResult) []schema.StepExecutionResult {
	if r == nil {
		return []schema.StepExecutionResult{}
	}
	return r
}

var _ Store = (*LibSQLStore)(nil)
