package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rahul/stepforge/internal/agent"
	"github.com/rahul/stepforge/internal/sandbox"
)

// ErrRunNotFound is returned when a session has no ledger entry.
var ErrRunNotFound = errors.New("run not found")

const ledgerTextLimit = 4000

var _ agent.Ledger = (*RunLedger)(nil)

// RunLedger is a write-mostly audit trail of runs and attempts in sqlite. It
// is never read back to resume a run.
type RunLedger struct {
	DB *sql.DB
}

func NewRunLedger(dbPath string) (*RunLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serializes anyway and :memory: needs a single connection.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			session_id TEXT PRIMARY KEY,
			plan_id TEXT,
			task TEXT,
			status TEXT,
			steps INTEGER,
			replan_count INTEGER DEFAULT 0,
			total_iterations INTEGER DEFAULT 0,
			issues TEXT,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			plan_id TEXT,
			step_order INTEGER,
			attempt INTEGER,
			description TEXT,
			exec_status TEXT,
			exit_code INTEGER,
			error TEXT,
			verdict TEXT,
			reasoning TEXT,
			elapsed_ms INTEGER,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &RunLedger{DB: db}, nil
}

func (l *RunLedger) Close() error {
	return l.DB.Close()
}

// RecordPlan stores or refreshes the run row for sessionID.
func (l *RunLedger) RecordPlan(ctx context.Context, sessionID string, plan *agent.Plan) error {
	issues, err := json.Marshal(plan.Issues)
	if err != nil {
		return err
	}
	query := `INSERT INTO runs (session_id, plan_id, task, status, steps, replan_count, total_iterations, issues, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			steps = excluded.steps,
			replan_count = excluded.replan_count,
			total_iterations = excluded.total_iterations,
			issues = excluded.issues`
	_, err = l.DB.ExecContext(ctx, query,
		sessionID, plan.ID, plan.OriginalTask, string(plan.Status), len(plan.Steps),
		plan.ReplanCount, plan.TotalIterations, string(issues), formatTime(plan.CreatedAt))
	return err
}

func (l *RunLedger) RecordAttempt(ctx context.Context, sessionID, planID string, step agent.Step, result agent.ExecutionResult, eval agent.EvaluationResult) error {
	query := `INSERT INTO attempts (session_id, plan_id, step_order, attempt, description, exec_status, exit_code, error, verdict, reasoning, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.DB.ExecContext(ctx, query,
		sessionID, planID, step.Order, step.AttemptCount, step.Description,
		string(result.Status), result.ExitCode, sandbox.TruncateOutput(result.ErrorMessage, ledgerTextLimit),
		string(eval.Verdict), sandbox.TruncateOutput(eval.Reasoning, ledgerTextLimit),
		result.ElapsedTime.Milliseconds(), formatTime(time.Now()))
	return err
}

// FinishRun writes the final plan state and completion time.
func (l *RunLedger) FinishRun(ctx context.Context, sessionID string, plan *agent.Plan) error {
	if err := l.RecordPlan(ctx, sessionID, plan); err != nil {
		return err
	}
	finished := plan.CompletedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := l.DB.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE session_id = ?`, formatTime(finished), sessionID)
	return err
}

func (l *RunLedger) Run(ctx context.Context, sessionID string) (RunRecord, error) {
	query := `SELECT session_id, plan_id, task, status, steps, replan_count, total_iterations, issues, started_at, COALESCE(finished_at, '')
		FROM runs WHERE session_id = ?`
	var (
		r                 RunRecord
		issues            sql.NullString
		started, finished string
	)
	err := l.DB.QueryRowContext(ctx, query, sessionID).Scan(
		&r.SessionID, &r.PlanID, &r.Task, &r.Status, &r.Steps, &r.ReplanCount, &r.TotalIterations,
		&issues, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, sessionID)
	}
	if err != nil {
		return RunRecord{}, err
	}
	if issues.Valid && issues.String != "" {
		if err := json.Unmarshal([]byte(issues.String), &r.Issues); err != nil {
			return RunRecord{}, fmt.Errorf("corrupt issues column: %w", err)
		}
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// Attempts returns the attempts of a session in the order they ran.
func (l *RunLedger) Attempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	query := `SELECT id, session_id, plan_id, step_order, attempt, description, exec_status, exit_code, error, verdict, reasoning, elapsed_ms, created_at
		FROM attempts WHERE session_id = ? ORDER BY id`
	rows, err := l.DB.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			a         AttemptRecord
			elapsedMs int64
			created   string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PlanID, &a.StepOrder, &a.Attempt, &a.Description,
			&a.ExecStatus, &a.ExitCode, &a.Error, &a.Verdict, &a.Reasoning, &elapsedMs, &created); err != nil {
			return nil, err
		}
		a.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
