package agent

import (
	"time"

	"github.com/google/uuid"
)

// Session is the scope of one orchestrator run: the task, its workspace, the
// resulting plan and the progress trail. Callers create one per run and may
// run several sessions side by side as long as their workspaces differ.
type Session struct {
	ID         string
	Task       string
	Workspace  string
	Plan       *Plan
	Progress   []ProgressRecord
	StartedAt  time.Time
	FinishedAt time.Time
}

func NewSession(task, workspace string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Task:      task,
		Workspace: workspace,
	}
}

// Elapsed reports the run duration, or the time since start while running.
func (s *Session) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Session) record(kind ProgressKind, step, attempt int, message string) ProgressRecord {
	status := PlanPending
	if s.Plan != nil {
		status = s.Plan.Status
	}
	rec := ProgressRecord{
		Seq:        len(s.Progress) + 1,
		Time:       time.Now(),
		Kind:       kind,
		StepOrder:  step,
		Attempt:    attempt,
		PlanStatus: status,
		Message:    message,
	}
	s.Progress = append(s.Progress, rec)
	return rec
}
