package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rahul/stepforge/internal/agent"
)

func newTestLedger(t *testing.T) *RunLedger {
	t.Helper()
	l, err := NewRunLedger(filepath.Join(t.TempDir(), "data", "ledger.db"))
	if err != nil {
		t.Fatalf("NewRunLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunLedger_RecordsRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	plan, err := agent.NewPlan("count lines", "one step", []*agent.Step{{Order: 1, Description: "wc -l"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RecordPlan(ctx, "s1", plan); err != nil {
		t.Fatalf("RecordPlan: %v", err)
	}

	step := *plan.Steps[0]
	step.AttemptCount = 1
	failed := agent.ExecutionResult{StepOrder: 1, Status: agent.ExecFailed, ExitCode: 2, ErrorMessage: "no such file", ElapsedTime: 1500 * time.Millisecond}
	if err := l.RecordAttempt(ctx, "s1", plan.ID, step, failed, agent.EvaluationResult{Verdict: agent.VerdictRetry, Reasoning: "typo in path"}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	step.AttemptCount = 2
	ok := agent.ExecutionResult{StepOrder: 1, Status: agent.ExecSuccess}
	if err := l.RecordAttempt(ctx, "s1", plan.ID, step, ok, agent.EvaluationResult{Verdict: agent.VerdictSuccess}); err != nil {
		t.Fatal(err)
	}

	plan.Status = agent.PlanCompleted
	plan.TotalIterations = 2
	plan.Issues = []string{"installing x: failed"}
	if err := l.FinishRun(ctx, "s1", plan); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := l.Run(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Task != "count lines" || run.Status != "completed" || run.TotalIterations != 2 || run.Steps != 1 {
		t.Errorf("run = %+v", run)
	}
	if len(run.Issues) != 1 || run.FinishedAt.IsZero() || run.StartedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}

	attempts, err := l.Attempts(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d", len(attempts))
	}
	first := attempts[0]
	if first.Attempt != 1 || first.ExecStatus != "failed" || first.ExitCode != 2 || first.Verdict != "retry" || first.Elapsed != 1500*time.Millisecond {
		t.Errorf("first attempt = %+v", first)
	}
	if attempts[1].Verdict != "success" {
		t.Errorf("second attempt = %+v", attempts[1])
	}
}

func TestRunLedger_UnknownRun(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Run(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v", err)
	}
}
