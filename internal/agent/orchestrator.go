package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/sandbox"
)

// ErrInitialization is returned by Run when the sandbox cannot be prepared.
var ErrInitialization = errors.New("sandbox initialization failed")

const defaultMaxIterations = 10

// SandboxManager is the part of sandbox.Manager the orchestrator drives.
type SandboxManager interface {
	InitializeEnvironment(ctx context.Context, workspace string) (*sandbox.Environment, error)
	MissingPackages(names []string) []string
	InstallPackages(ctx context.Context, names []string) ([]string, error)
	InstalledPackages() []string
}

// StepEvaluator classifies one attempt.
type StepEvaluator interface {
	Evaluate(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) EvaluationResult
}

// Ledger receives an audit trail of a run. Implementations must not block the
// run for long; errors are logged and ignored.
type Ledger interface {
	RecordPlan(ctx context.Context, sessionID string, plan *Plan) error
	RecordAttempt(ctx context.Context, sessionID, planID string, step Step, result ExecutionResult, eval EvaluationResult) error
	FinishRun(ctx context.Context, sessionID string, plan *Plan) error
}

type Options struct {
	MaxIterations int
	Retry         RetryStrategy
	// Sleep waits between attempts. It returns early with ctx.Err().
	Sleep func(ctx context.Context, d time.Duration) error
	// OnProgress, when set, is called synchronously with every record.
	OnProgress func(ProgressRecord)
}

// Orchestrator drives a session's plan through planning, execution,
// evaluation and replanning. It is the only component that changes plan and
// step status.
type Orchestrator struct {
	Sandbox   SandboxManager
	Planner   Planner
	Executor  StepExecutor
	Evaluator StepEvaluator
	Ledger    Ledger
	Logger    *observability.Logger
	opts      Options
}

func NewOrchestrator(sb SandboxManager, planner Planner, executor StepExecutor, evaluator StepEvaluator, logger *observability.Logger, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryStrategy()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Orchestrator{
		Sandbox:   sb,
		Planner:   planner,
		Executor:  executor,
		Evaluator: evaluator,
		Logger:    logger,
		opts:      opts,
	}
}

// Run executes the session's task to a terminal plan status. The returned
// error is non-nil only when the run could not start; every other outcome is
// described by s.Plan.
func (o *Orchestrator) Run(ctx context.Context, s *Session) error {
	s.StartedAt = time.Now()
	s.Plan = &Plan{
		ID:           uuid.NewString(),
		OriginalTask: s.Task,
		Status:       PlanPending,
		CreatedAt:    s.StartedAt,
	}
	defer func() {
		s.FinishedAt = time.Now()
		o.progress(s, ProgressFinished, 0, 0, "run finished: %s", s.Plan.Status)
		if o.Ledger != nil {
			if lerr := o.Ledger.FinishRun(context.WithoutCancel(ctx), s.ID, s.Plan); lerr != nil {
				log.Printf("[orchestrator] ledger: %v", lerr)
			}
		}
	}()

	if _, ierr := o.Sandbox.InitializeEnvironment(ctx, s.Workspace); ierr != nil {
		s.Plan.addIssue("initialization: %v", ierr)
		if terr := o.setStatus(s, PlanFailed); terr != nil {
			return terr
		}
		return fmt.Errorf("%w: %v", ErrInitialization, ierr)
	}

	if err := o.setStatus(s, PlanPlanning); err != nil {
		return err
	}
	created, perr := o.createPlan(ctx, s.Task)
	if perr != nil {
		s.Plan.addIssue("planning failed: %v", perr)
		o.progress(s, ProgressIssue, 0, 0, "planning failed: %v", perr)
		return o.setStatus(s, PlanFailed)
	}
	s.Plan.Analysis = created.Analysis
	s.Plan.Steps = created.Steps
	s.Plan.RequiredDependencies = created.RequiredDependencies
	o.Logger.LogPlan(s.ID, string(s.Plan.Status), len(s.Plan.Steps), s.Plan.Analysis)
	o.progress(s, ProgressPlan, 0, 0, "plan with %d steps", len(s.Plan.Steps))
	o.recordPlan(ctx, s)

	if err := o.installPlanPackages(ctx, s, s.Plan.RequiredDependencies); err != nil {
		return err
	}
	return o.loop(ctx, s)
}

func (o *Orchestrator) loop(ctx context.Context, s *Session) error {
	plan := s.Plan
	rc := o.opts.Retry.NewContext()

	for !plan.Status.Terminal() {
		if plan.TotalIterations >= o.opts.MaxIterations {
			plan.addIssue("iteration limit %d reached", o.opts.MaxIterations)
			o.progress(s, ProgressIssue, 0, 0, "iteration limit %d reached", o.opts.MaxIterations)
			return o.setStatus(s, PlanFailed)
		}

		step := plan.CurrentStep()
		if step == nil {
			return o.setStatus(s, PlanCompleted)
		}

		o.installStepPackages(ctx, s, step)

		step.Status = StepRunning
		step.AttemptCount++
		o.Logger.LogStep(s.ID, step.Order, string(step.Status), step.Description)
		o.progress(s, ProgressAttempt, step.Order, rc.AttemptNumber, "attempt %d/%d: %s", rc.AttemptNumber, rc.MaxAttempts, step.Description)

		result := o.execute(ctx, s, plan, step, rc)
		stored := result
		step.ExecutionResult = &stored

		if err := o.setStatus(s, PlanEvaluating); err != nil {
			return err
		}
		eval := o.evaluate(ctx, *step, result, rc)
		step.Evaluation = &eval
		plan.TotalIterations++
		o.Logger.LogEvaluation(s.ID, step.Order, string(eval.Verdict), eval.Reasoning, rc.AttemptNumber)
		o.progress(s, ProgressVerdict, step.Order, rc.AttemptNumber, "%s: %s", eval.Verdict, firstLine(eval.Reasoning))
		o.recordAttempt(ctx, s, *step, result, eval)

		switch eval.Verdict {
		case VerdictSuccess:
			step.Status = StepCompleted
			o.Logger.LogStep(s.ID, step.Order, string(step.Status), step.Description)
			plan.CurrentStepIndex++
			rc = o.opts.Retry.NewContext()
			if plan.CurrentStep() == nil {
				return o.setStatus(s, PlanCompleted)
			}
			if err := o.setStatus(s, PlanExecuting); err != nil {
				return err
			}

		case VerdictRetry:
			if eval.RetryContext != nil {
				rc = *eval.RetryContext
			} else {
				rc = rc.Next(failureText(result), "")
			}
			step.Status = StepPending
			if err := o.setStatus(s, PlanExecuting); err != nil {
				return err
			}
			delay := o.opts.Retry.Delay(rc.AttemptNumber - 1)
			o.progress(s, ProgressRetry, step.Order, rc.AttemptNumber, "retrying in %s", delay)
			if err := o.opts.Sleep(ctx, delay); err != nil {
				log.Printf("[orchestrator] backoff interrupted: %v", err)
			}

		case VerdictRequiresPlanChange:
			step.Status = StepFailed
			o.Logger.LogStep(s.ID, step.Order, string(step.Status), step.Description)
			if err := o.setStatus(s, PlanReplanning); err != nil {
				return err
			}
			if err := o.replan(ctx, s, step, eval); err != nil {
				plan.addIssue("replanning failed: %v", err)
				o.progress(s, ProgressIssue, step.Order, 0, "replanning failed: %v", err)
				return o.setStatus(s, PlanFailed)
			}
			rc = o.opts.Retry.NewContext()

		default:
			step.Status = StepFailed
			o.Logger.LogStep(s.ID, step.Order, string(step.Status), step.Description)
			plan.addIssue("step %d is impossible: %s", step.Order, eval.Reasoning)
			o.progress(s, ProgressIssue, step.Order, rc.AttemptNumber, "step %d is impossible", step.Order)
			return o.setStatus(s, PlanImpossible)
		}
	}
	return nil
}

// execute runs one attempt. Executor errors and panics become a Failed
// result, or Cancelled once ctx is done.
func (o *Orchestrator) execute(ctx context.Context, s *Session, plan *Plan, step *Step, rc RetryContext) (result ExecutionResult) {
	start := time.Now()
	synthetic := func(msg string) ExecutionResult {
		status := ExecFailed
		if ctx.Err() != nil {
			status = ExecCancelled
			msg = fmt.Sprintf("%s (%v)", msg, ctx.Err())
		}
		return ExecutionResult{
			StepOrder:    step.Order,
			Status:       status,
			ExitCode:     -1,
			ErrorMessage: msg,
			ElapsedTime:  time.Since(start),
		}
	}
	if ctx.Err() != nil {
		return synthetic("run cancelled before the attempt started")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] executor panicked on step %d: %v", step.Order, r)
			result = synthetic(fmt.Sprintf("executor panicked: %v", r))
		}
	}()

	res, err := o.Executor.ExecuteStep(ctx, StepRequest{
		SessionID:         s.ID,
		OriginalTask:      plan.OriginalTask,
		Step:              *step,
		TotalSteps:        len(plan.Steps),
		Retry:             rc,
		CompletedSteps:    plan.CompletedSteps(),
		InstalledPackages: o.Sandbox.InstalledPackages(),
	})
	if err != nil {
		return synthetic(err.Error())
	}
	res.StepOrder = step.Order
	if res.ElapsedTime == 0 {
		res.ElapsedTime = time.Since(start)
	}
	return res
}

func (o *Orchestrator) evaluate(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) (eval EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] evaluator panicked on step %d: %v", step.Order, r)
			eval = HeuristicEvaluation(o.opts.Retry, result, rc, fmt.Errorf("evaluator panicked: %v", r))
		}
	}()
	return o.Evaluator.Evaluate(ctx, step, result, rc)
}

func (o *Orchestrator) createPlan(ctx context.Context, task string) (p *Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("planner panicked: %v", r)
		}
	}()
	p, err = o.Planner.CreatePlan(ctx, task)
	if err == nil && (p == nil || len(p.Steps) == 0) {
		err = fmt.Errorf("%w: planner returned no steps", ErrInvalidPlan)
	}
	return p, err
}

// replan replaces the plan's steps. Steps that have not completed are kept in
// Superseded with their final status; the iteration counter carries over.
func (o *Orchestrator) replan(ctx context.Context, s *Session, failed *Step, eval EvaluationResult) (err error) {
	plan := s.Plan
	req := ReplanRequest{
		OriginalTask:      plan.OriginalTask,
		CompletedSteps:    plan.CompletedSteps(),
		FailedStep:        *failed,
		Reasoning:         eval.Reasoning,
		SuggestedApproach: eval.SuggestedApproach,
	}

	var next *Plan
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("planner panicked: %v", r)
			}
		}()
		next, err = o.Planner.Replan(ctx, req)
	}()
	if err != nil {
		return err
	}
	if next == nil || len(next.Steps) == 0 {
		return fmt.Errorf("%w: replan returned no steps", ErrInvalidPlan)
	}

	for _, st := range plan.Steps {
		if st.Status == StepPending || st.Status == StepRunning {
			st.Status = StepSuperseded
		}
	}
	plan.Superseded = append(plan.Superseded, plan.Steps...)
	plan.Steps = next.Steps
	plan.CurrentStepIndex = 0
	plan.ReplanCount++
	if next.Analysis != "" {
		plan.Analysis = next.Analysis
	}
	plan.RequiredDependencies = mergePackages(plan.RequiredDependencies, next.RequiredDependencies)

	o.Logger.LogPlan(s.ID, string(plan.Status), len(plan.Steps), "replan: "+eval.Reasoning)
	o.progress(s, ProgressReplan, failed.Order, 0, "replan %d with %d steps", plan.ReplanCount, len(plan.Steps))
	o.recordPlan(ctx, s)

	return o.installPlanPackages(ctx, s, next.RequiredDependencies)
}

// installPlanPackages moves the plan to Executing, passing through Installing
// when some of pkgs are missing. Install failures become issues.
func (o *Orchestrator) installPlanPackages(ctx context.Context, s *Session, pkgs []string) error {
	missing := o.Sandbox.MissingPackages(pkgs)
	if len(missing) > 0 {
		if err := o.setStatus(s, PlanInstalling); err != nil {
			return err
		}
		o.install(ctx, s, 0, missing)
	}
	return o.setStatus(s, PlanExecuting)
}

func (o *Orchestrator) installStepPackages(ctx context.Context, s *Session, step *Step) {
	if missing := o.Sandbox.MissingPackages(step.RequiredDependencies); len(missing) > 0 {
		o.install(ctx, s, step.Order, missing)
	}
}

func (o *Orchestrator) install(ctx context.Context, s *Session, order int, pkgs []string) {
	installed, err := o.Sandbox.InstallPackages(ctx, pkgs)
	o.Logger.LogInstall(s.ID, pkgs, err)
	if err != nil {
		s.Plan.addIssue("installing %s: %v", strings.Join(pkgs, ", "), err)
		o.progress(s, ProgressIssue, order, 0, "package install failed: %v", err)
		return
	}
	if len(installed) > 0 {
		o.progress(s, ProgressInstall, order, 0, "installed %s", strings.Join(installed, ", "))
	}
}

func (o *Orchestrator) setStatus(s *Session, to PlanStatus) error {
	from := s.Plan.Status
	if err := s.Plan.transition(to); err != nil {
		return err
	}
	if from != to {
		o.progress(s, ProgressStatus, 0, 0, "%s -> %s", from, to)
	}
	return nil
}

func (o *Orchestrator) progress(s *Session, kind ProgressKind, step, attempt int, format string, args ...any) {
	rec := s.record(kind, step, attempt, fmt.Sprintf(format, args...))
	o.Logger.LogProgress(s.ID, step, string(kind), rec.Message)
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(rec)
	}
}

func (o *Orchestrator) recordPlan(ctx context.Context, s *Session) {
	if o.Ledger == nil {
		return
	}
	if err := o.Ledger.RecordPlan(context.WithoutCancel(ctx), s.ID, s.Plan); err != nil {
		log.Printf("[orchestrator] ledger: %v", err)
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, s *Session, step Step, result ExecutionResult, eval EvaluationResult) {
	if o.Ledger == nil {
		return
	}
	if err := o.Ledger.RecordAttempt(context.WithoutCancel(ctx), s.ID, s.Plan.ID, step, result, eval); err != nil {
		log.Printf("[orchestrator] ledger: %v", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
