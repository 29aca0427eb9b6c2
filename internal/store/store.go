package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"taskpilot/config"
	"taskpilot/internal/agent/core"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different user.
var ErrNotFound = errors.New("not found")

// Task run statuses persisted in task_runs.status.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Store wraps the Postgres connection. All queries are user-scoped: a run or
// schedule is only visible to the user that created it.
type Store struct {
	DB *sql.DB
}

// New connects using the configured Postgres settings.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN connects using an explicit DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// CreateUser inserts a new account. A duplicate email surfaces as the pq
// unique-violation error for the handler to map to 409.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`,
		uuid.New().String(), email, passwordHash)
	return err
}

// GetUserByEmail returns the user id and password hash for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return id, hash, err
}

// TaskRun is one agent run: the request, the compiled plan and the outcome.
type TaskRun struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Request        string              `json:"request"`
	Status         string              `json:"status"`
	Plan           *core.ExecutionPlan `json:"plan,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	StepsCompleted int                 `json:"steps_completed"`
	StepsFailed    int                 `json:"steps_failed"`
	CreatedAt      time.Time           `json:"created_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}

// CreateTaskRun records a new run in the running state and returns its id.
func (s *Store) CreateTaskRun(ctx context.Context, userID, request string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO task_runs (id, user_id, request, status) VALUES ($1, $2, $3, $4)`,
		id, userID, request, RunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("create task run: %w", err)
	}
	return id, nil
}

// FinishTaskRun stores the terminal state of a run, including the compiled
// plan for auditing which steps ran and which were gated.
func (s *Store) FinishTaskRun(ctx context.Context, id, status, summary string, plan *core.ExecutionPlan, completed, failed int) error {
	var planJSON []byte
	if plan != nil {
		var err error
		planJSON, err = json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE task_runs
		 SET status = $2, summary = $3, plan = $4, steps_completed = $5, steps_failed = $6, finished_at = NOW()
		 WHERE id = $1`,
		id, status, summary, planJSON, completed, failed)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	return nil
}

// GetTaskRun returns one run owned by the given user.
func (s *Store) GetTaskRun(ctx context.Context, userID, id string) (TaskRun, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, request, status, COALESCE(summary, ''), plan,
		        steps_completed, steps_failed, created_at, finished_at
		 FROM task_runs WHERE id = $1 AND user_id = $2`, id, userID)
	return scanTaskRun(row)
}

// ListTaskRuns returns the user's runs, newest first.
func (s *Store) ListTaskRuns(ctx context.Context, userID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, request, status, COALESCE(summary, ''), plan,
		        steps_completed, steps_failed, created_at, finished_at
		 FROM task_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (TaskRun, error) {
	var run TaskRun
	var planJSON []byte
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.UserID, &run.Request, &run.Status, &run.Summary,
		&planJSON, &run.StepsCompleted, &run.StepsFailed, &run.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return TaskRun{}, ErrNotFound
	}
	if err != nil {
		return TaskRun{}, fmt.Errorf("scan task run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	if len(planJSON) > 0 {
		var plan core.ExecutionPlan
		if err := json.Unmarshal(planJSON, &plan); err == nil {
			run.Plan = &plan
		}
	}
	return run, nil
}

// Schedule is a recurring request fired by the scheduler on a cron spec.
type Schedule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Request   string     `json:"request"`
	CronSpec  string     `json:"cron_spec"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSchedule registers a recurring request for a user.
func (s *Store) CreateSchedule(ctx context.Context, userID, request, cronSpec string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO schedules (id, user_id, request, cron_spec) VALUES ($1, $2, $3, $4)`,
		id, userID, request, cronSpec)
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// ListSchedules returns a user's schedules.
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, request, cron_spec, last_run_at, created_at
		 FROM schedules WHERE user_id = $1 ORDER BY created_at`, userID)
}

// ListAllSchedules returns every schedule; the scheduler scans these on tick.
func (s *Store) ListAllSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, request, cron_spec, last_run_at, created_at
		 FROM schedules ORDER BY created_at`)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...interface{}) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sch Schedule
		var last sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.UserID, &sch.Request, &sch.CronSpec, &last, &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if last.Valid {
			sch.LastRunAt = &last.Time
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// TouchSchedule records that a schedule fired.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = $2 WHERE id = $1`, id, at)
	return err
}

// DeleteSchedule removes a user's schedule.
func (s *Store) DeleteSchedule(ctx context.Context, userID, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
