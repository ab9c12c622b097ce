package store

import "time"

// RunRecord is one orchestrator run as stored in the ledger.
type RunRecord struct {
	SessionID       string    `json:"session_id"`
	PlanID          string    `json:"plan_id"`
	Task            string    `json:"task"`
	Status          string    `json:"status"`
	Steps           int       `json:"steps"`
	ReplanCount     int       `json:"replan_count"`
	TotalIterations int       `json:"total_iterations"`
	Issues          []string  `json:"issues,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// AttemptRecord is a single step attempt and the verdict it received.
type AttemptRecord struct {
	ID          int64         `json:"id"`
	SessionID   string        `json:"session_id"`
	PlanID      string        `json:"plan_id"`
	StepOrder   int           `json:"step_order"`
	Attempt     int           `json:"attempt"`
	Description string        `json:"description"`
	ExecStatus  string        `json:"exec_status"`
	ExitCode    int           `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	Verdict     string        `json:"verdict"`
	Reasoning   string        `json:"reasoning"`
	Elapsed     time.Duration `json:"elapsed"`
	CreatedAt   time.Time     `json:"created_at"`
}
