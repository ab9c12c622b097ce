package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestOrchestrator(sb *fakeSandbox, planner Planner, exec StepExecutor, eval StepEvaluator, sleeper *sleepRecorder, opts Options) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryStrategy()
	}
	opts.Sleep = sleeper.Sleep
	return NewOrchestrator(sb, planner, exec, eval, nil, opts)
}

func heuristicEvaluator(strategy RetryStrategy) *Evaluator {
	return NewEvaluator(nil, strategy, nil, nil)
}

func succeed(output string) func(StepRequest) (ExecutionResult, error) {
	return func(req StepRequest) (ExecutionResult, error) {
		return ExecutionResult{Status: ExecSuccess, Output: output}, nil
	}
}

func TestOrchestrator_SingleStepCompletes(t *testing.T) {
	sb := newFakeSandbox()
	planner := &fakePlanner{plan: mustPlan("print hello", "print hello")}
	exec := &funcExecutor{fn: succeed("hello\n")}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(sb, planner, exec, heuristicEvaluator(DefaultRetryStrategy()), sleeper, Options{})

	s := NewSession("print hello", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := s.Plan
	if p.Status != PlanCompleted {
		t.Fatalf("status = %s, want completed; issues %v", p.Status, p.Issues)
	}
	if p.Steps[0].Status != StepCompleted || p.Steps[0].AttemptCount != 1 {
		t.Errorf("step = %+v", p.Steps[0])
	}
	if p.TotalIterations != 1 || p.CurrentStepIndex != 1 {
		t.Errorf("iterations %d, index %d", p.TotalIterations, p.CurrentStepIndex)
	}
	if got := p.Steps[0].ExecutionResult.Output; got != "hello\n" {
		t.Errorf("output = %q", got)
	}
	if p.CompletedAt.IsZero() || s.FinishedAt.IsZero() {
		t.Error("completion times not stamped")
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("unexpected backoff %v", sleeper.delays)
	}
	if sb.inits != 1 {
		t.Errorf("sandbox initialized %d times", sb.inits)
	}

	finished := Filter(s.Progress, ProgressFinished)
	if len(finished) != 1 || finished[0].PlanStatus != PlanCompleted {
		t.Errorf("finished records = %+v", finished)
	}
	for i, rec := range s.Progress {
		if rec.Seq != i+1 {
			t.Fatalf("record %d has seq %d", i, rec.Seq)
		}
	}
}

func TestOrchestrator_RetriesThenGivesUp(t *testing.T) {
	sb := newFakeSandbox()
	planner := &fakePlanner{plan: mustPlan("use a missing module", "import nonexistent_module")}
	exec := &funcExecutor{fn: func(req StepRequest) (ExecutionResult, error) {
		return ExecutionResult{
			Status:       ExecFailed,
			ExitCode:     1,
			ErrorMessage: "ModuleNotFoundError: No module named 'nonexistent_module'",
		}, nil
	}}
	sleeper := &sleepRecorder{}
	strategy := DefaultRetryStrategy()
	o := newTestOrchestrator(sb, planner, exec, heuristicEvaluator(strategy), sleeper, Options{Retry: strategy})

	s := NewSession("use a missing module", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := s.Plan
	if p.Status != PlanImpossible {
		t.Fatalf("status = %s, want impossible", p.Status)
	}
	step := p.Steps[0]
	if step.AttemptCount != 3 || step.Status != StepFailed {
		t.Errorf("step attempts %d status %s", step.AttemptCount, step.Status)
	}
	if !strings.Contains(step.Evaluation.Reasoning, "3 attempts") {
		t.Errorf("reasoning = %q", step.Evaluation.Reasoning)
	}
	if p.TotalIterations != 3 {
		t.Errorf("iterations = %d", p.TotalIterations)
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(wantDelays) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, wantDelays)
	}
	for i, d := range wantDelays {
		if sleeper.delays[i] != d {
			t.Errorf("delay %d = %s, want %s", i, sleeper.delays[i], d)
		}
	}

	// The worker sees the failures of earlier attempts.
	last := exec.requests[2]
	if last.Retry.AttemptNumber != 3 || len(last.Retry.PreviousErrors) != 2 {
		t.Errorf("third attempt retry context = %+v", last.Retry)
	}
	if exec.requests[0].Retry.AttemptNumber != 1 || len(exec.requests[0].Retry.PreviousErrors) != 0 {
		t.Errorf("first attempt retry context = %+v", exec.requests[0].Retry)
	}
}

func TestOrchestrator_ReplanReplacesSteps(t *testing.T) {
	sb := newFakeSandbox()
	initial := mustPlan("fetch and summarize", "fetch data", "parse with tool X", "summarize")
	replacement := mustPlan("ignored by orchestrator", "parse with tool Y", "summarize")
	replacement.RequiredDependencies = []string{"pyyaml"}
	planner := &fakePlanner{plan: initial, replans: []*Plan{replacement}}
	exec := &funcExecutor{fn: succeed("ok")}
	eval := &queueEvaluator{
		verdicts: []EvaluationResult{
			{Verdict: VerdictSuccess, Reasoning: "fetched"},
			{Verdict: VerdictRequiresPlanChange, Reasoning: "tool X cannot parse this format", SuggestedApproach: "use tool Y"},
		},
		inner: heuristicEvaluator(DefaultRetryStrategy()),
	}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(sb, planner, exec, eval, sleeper, Options{})

	s := NewSession("fetch and summarize", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := s.Plan
	if p.Status != PlanCompleted {
		t.Fatalf("status = %s; issues %v", p.Status, p.Issues)
	}
	if p.OriginalTask != "fetch and summarize" {
		t.Errorf("original task changed to %q", p.OriginalTask)
	}
	if p.ReplanCount != 1 {
		t.Errorf("replan count = %d", p.ReplanCount)
	}
	if len(p.Steps) != 2 || p.Steps[0].Description != "parse with tool Y" {
		t.Errorf("steps not replaced: %+v", p.Steps)
	}
	if len(p.Superseded) != 3 {
		t.Fatalf("superseded = %d", len(p.Superseded))
	}
	if p.Superseded[0].Status != StepCompleted || p.Superseded[1].Status != StepFailed || p.Superseded[2].Status != StepSuperseded {
		t.Errorf("superseded statuses: %s %s %s", p.Superseded[0].Status, p.Superseded[1].Status, p.Superseded[2].Status)
	}
	// 2 attempts before the replan plus 2 after.
	if p.TotalIterations != 4 {
		t.Errorf("iterations = %d, want 4", p.TotalIterations)
	}

	req := planner.requests[0]
	if req.SuggestedApproach != "use tool Y" || req.FailedStep.Order != 2 || len(req.CompletedSteps) != 1 {
		t.Errorf("replan request = %+v", req)
	}
	if !sb.installed["pyyaml"] {
		t.Error("packages of the new plan were not installed")
	}
	if len(Filter(s.Progress, ProgressReplan)) != 1 {
		t.Error("replan not recorded in progress")
	}
}

func TestOrchestrator_ReplanFailureFailsPlan(t *testing.T) {
	planner := &fakePlanner{plan: mustPlan("t", "a"), replanErr: errors.New("service down")}
	eval := &queueEvaluator{verdicts: []EvaluationResult{{Verdict: VerdictRequiresPlanChange, Reasoning: "wrong approach"}}}
	o := newTestOrchestrator(newFakeSandbox(), planner, &funcExecutor{fn: succeed("")}, eval, &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Plan.Status != PlanFailed {
		t.Fatalf("status = %s", s.Plan.Status)
	}
	if !strings.Contains(strings.Join(s.Plan.Issues, "\n"), "service down") {
		t.Errorf("issues = %v", s.Plan.Issues)
	}
}

func TestOrchestrator_IterationLimit(t *testing.T) {
	strategy := DefaultRetryStrategy()
	strategy.MaxAttempts = 10
	planner := &fakePlanner{plan: mustPlan("t", "always fails")}
	exec := &funcExecutor{fn: func(StepRequest) (ExecutionResult, error) {
		return ExecutionResult{Status: ExecFailed, ExitCode: 1, ErrorMessage: "boom"}, nil
	}}
	o := newTestOrchestrator(newFakeSandbox(), planner, exec, heuristicEvaluator(strategy), &sleepRecorder{}, Options{
		Retry:         strategy,
		MaxIterations: 2,
	})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Plan.Status != PlanFailed {
		t.Fatalf("status = %s", s.Plan.Status)
	}
	if s.Plan.TotalIterations != 2 || len(exec.requests) != 2 {
		t.Errorf("iterations %d, attempts %d", s.Plan.TotalIterations, len(exec.requests))
	}
	if !strings.Contains(strings.Join(s.Plan.Issues, "\n"), "iteration limit 2 reached") {
		t.Errorf("issues = %v", s.Plan.Issues)
	}
}

func TestOrchestrator_InitializationFailure(t *testing.T) {
	sb := newFakeSandbox()
	sb.initErr = errors.New("no interpreter")
	planner := &fakePlanner{err: errors.New("must not be called")}
	o := newTestOrchestrator(sb, planner, &funcExecutor{fn: succeed("")}, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	err := o.Run(context.Background(), s)
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
	if s.Plan.Status != PlanFailed || len(s.Plan.Steps) != 0 {
		t.Errorf("plan = %+v", s.Plan)
	}
}

func TestOrchestrator_PlanningFailure(t *testing.T) {
	planner := &fakePlanner{err: errors.New("model unreachable")}
	exec := &funcExecutor{fn: succeed("")}
	o := newTestOrchestrator(newFakeSandbox(), planner, exec, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatalf("planning failure must not be returned: %v", err)
	}
	if s.Plan.Status != PlanFailed {
		t.Fatalf("status = %s", s.Plan.Status)
	}
	if len(exec.requests) != 0 {
		t.Error("executor ran without a plan")
	}
	if !strings.Contains(s.Plan.Issues[0], "model unreachable") {
		t.Errorf("issues = %v", s.Plan.Issues)
	}
}

func TestOrchestrator_ExecutorPanicBecomesFailedResult(t *testing.T) {
	strategy := DefaultRetryStrategy()
	strategy.MaxAttempts = 1
	planner := &fakePlanner{plan: mustPlan("t", "explode")}
	exec := &funcExecutor{fn: func(StepRequest) (ExecutionResult, error) { panic("kaboom") }}
	o := newTestOrchestrator(newFakeSandbox(), planner, exec, heuristicEvaluator(strategy), &sleepRecorder{}, Options{Retry: strategy})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	res := s.Plan.Steps[0].ExecutionResult
	if res.Status != ExecFailed || !strings.Contains(res.ErrorMessage, "kaboom") {
		t.Errorf("result = %+v", res)
	}
	if s.Plan.Status != PlanImpossible {
		t.Errorf("status = %s", s.Plan.Status)
	}
}

func TestOrchestrator_EvaluatorPanicUsesHeuristic(t *testing.T) {
	planner := &fakePlanner{plan: mustPlan("t", "a")}
	o := newTestOrchestrator(newFakeSandbox(), planner, &funcExecutor{fn: succeed("ok")}, panicEvaluator{}, &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Plan.Status != PlanCompleted {
		t.Errorf("status = %s", s.Plan.Status)
	}
}

func TestOrchestrator_CancelledContextIsImpossible(t *testing.T) {
	planner := &fakePlanner{plan: mustPlan("t", "a")}
	exec := &funcExecutor{fn: succeed("ok")}
	o := newTestOrchestrator(newFakeSandbox(), planner, exec, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSession("t", t.TempDir())
	if err := o.Run(ctx, s); err != nil {
		t.Fatal(err)
	}
	if len(exec.requests) != 0 {
		t.Error("executor ran after cancellation")
	}
	if s.Plan.Status != PlanImpossible {
		t.Fatalf("status = %s", s.Plan.Status)
	}
	if got := s.Plan.Steps[0].ExecutionResult.Status; got != ExecCancelled {
		t.Errorf("result status = %s", got)
	}
}

func TestOrchestrator_InstallsPackages(t *testing.T) {
	sb := newFakeSandbox()
	plan := mustPlan("t", "a", "b")
	plan.RequiredDependencies = []string{"requests"}
	plan.Steps[1].RequiredDependencies = []string{"pandas", "requests"}
	planner := &fakePlanner{plan: plan}
	exec := &funcExecutor{fn: succeed("ok")}
	o := newTestOrchestrator(sb, planner, exec, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if len(sb.batches) != 2 {
		t.Fatalf("install batches = %v", sb.batches)
	}
	if strings.Join(sb.batches[0], ",") != "requests" || strings.Join(sb.batches[1], ",") != "pandas" {
		t.Errorf("batches = %v", sb.batches)
	}

	var sawInstalling bool
	for _, rec := range Filter(s.Progress, ProgressStatus) {
		if rec.PlanStatus == PlanInstalling {
			sawInstalling = true
		}
	}
	if !sawInstalling {
		t.Error("plan never entered installing")
	}
	if len(exec.requests[1].InstalledPackages) != 2 {
		t.Errorf("worker saw installed packages %v", exec.requests[1].InstalledPackages)
	}
}

func TestOrchestrator_InstallFailureIsAnIssue(t *testing.T) {
	sb := newFakeSandbox()
	sb.installErr = errors.New("pip exploded")
	plan := mustPlan("t", "a")
	plan.RequiredDependencies = []string{"numpy"}
	o := newTestOrchestrator(sb, &fakePlanner{plan: plan}, &funcExecutor{fn: succeed("ok")}, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Plan.Status != PlanCompleted {
		t.Errorf("status = %s", s.Plan.Status)
	}
	if !strings.Contains(strings.Join(s.Plan.Issues, "\n"), "pip exploded") {
		t.Errorf("issues = %v", s.Plan.Issues)
	}
}

func TestOrchestrator_TerminalStatusIsFinal(t *testing.T) {
	o := newTestOrchestrator(newFakeSandbox(), &fakePlanner{plan: mustPlan("t", "a")}, &funcExecutor{fn: succeed("ok")}, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{})
	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	for _, to := range []PlanStatus{PlanExecuting, PlanFailed, PlanImpossible, PlanPlanning} {
		if err := s.Plan.transition(to); err == nil {
			t.Errorf("transition completed -> %s allowed", to)
		}
	}
	if s.Plan.Status != PlanCompleted {
		t.Errorf("status changed to %s", s.Plan.Status)
	}
}

type recordingLedger struct {
	plans    int
	attempts []EvaluationResult
	finished PlanStatus
}

func (l *recordingLedger) RecordPlan(ctx context.Context, sessionID string, plan *Plan) error {
	l.plans++
	return nil
}

func (l *recordingLedger) RecordAttempt(ctx context.Context, sessionID, planID string, step Step, result ExecutionResult, eval EvaluationResult) error {
	l.attempts = append(l.attempts, eval)
	return nil
}

func (l *recordingLedger) FinishRun(ctx context.Context, sessionID string, plan *Plan) error {
	l.finished = plan.Status
	return errors.New("ledger errors are ignored")
}

func TestOrchestrator_FeedsLedger(t *testing.T) {
	ledger := &recordingLedger{}
	var seen []ProgressRecord
	o := newTestOrchestrator(newFakeSandbox(), &fakePlanner{plan: mustPlan("t", "a", "b")}, &funcExecutor{fn: succeed("ok")}, heuristicEvaluator(DefaultRetryStrategy()), &sleepRecorder{}, Options{
		OnProgress: func(r ProgressRecord) { seen = append(seen, r) },
	})
	o.Ledger = ledger

	s := NewSession("t", t.TempDir())
	if err := o.Run(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if ledger.plans != 1 || len(ledger.attempts) != 2 || ledger.finished != PlanCompleted {
		t.Errorf("ledger = %+v", ledger)
	}
	if len(seen) != len(s.Progress) {
		t.Errorf("callback saw %d records, session has %d", len(seen), len(s.Progress))
	}
}
