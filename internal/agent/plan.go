package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidPlan = errors.New("invalid plan")

// PlanStatus is the orchestration state of a Plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanPlanning   PlanStatus = "planning"
	PlanInstalling PlanStatus = "installing"
	PlanExecuting  PlanStatus = "executing"
	PlanEvaluating PlanStatus = "evaluating"
	PlanReplanning PlanStatus = "replanning"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanImpossible PlanStatus = "impossible"
)

// Terminal reports whether no further transition is possible.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanImpossible
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSuperseded StepStatus = "superseded"
)

type ExecutionStatus string

const (
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecTimedOut  ExecutionStatus = "timed_out"
)

// ExecutionResult is the raw outcome of one step attempt. It is handled by
// value and never modified after it is produced.
type ExecutionResult struct {
	StepOrder          int             `json:"step_order"`
	Status             ExecutionStatus `json:"status"`
	ExitCode           int             `json:"exit_code"`
	Output             string          `json:"output"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	Summary            string          `json:"summary,omitempty"`
	GeneratedArtifacts []string        `json:"generated_artifacts,omitempty"`
	ElapsedTime        time.Duration   `json:"elapsed_time"`
}

// Step is one unit of work in a Plan.
type Step struct {
	Order                int               `json:"order"`
	Description          string            `json:"description"`
	ExpectedOutput       string            `json:"expected_output"`
	Dependencies         []int             `json:"dependencies,omitempty"`
	Status               StepStatus        `json:"status"`
	AttemptCount         int               `json:"attempt_count"`
	RequiredDependencies []string          `json:"required_dependencies,omitempty"`
	ExecutionResult      *ExecutionResult  `json:"execution_result,omitempty"`
	Evaluation           *EvaluationResult `json:"evaluation,omitempty"`
}

// Plan is the ordered decomposition of a task. Only the Orchestrator changes
// its status and step pointer.
type Plan struct {
	ID                   string     `json:"id"`
	OriginalTask         string     `json:"original_task"`
	Analysis             string     `json:"analysis"`
	Steps                []*Step    `json:"steps"`
	RequiredDependencies []string   `json:"required_dependencies,omitempty"`
	Status               PlanStatus `json:"status"`
	CurrentStepIndex     int        `json:"current_step_index"`
	TotalIterations      int        `json:"total_iterations"`
	ReplanCount          int        `json:"replan_count"`
	Superseded           []*Step    `json:"superseded,omitempty"`
	Issues               []string   `json:"issues,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          time.Time  `json:"completed_at,omitempty"`
}

// NewPlan validates steps and returns a pending plan. Step orders must be
// strictly increasing and every dependency must name an earlier step.
func NewPlan(task, analysis string, steps []*Step, required []string) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	known := make(map[int]bool, len(steps))
	prev := 0
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("%w: step %d is empty", ErrInvalidPlan, i+1)
		}
		if strings.TrimSpace(s.Description) == "" {
			return nil, fmt.Errorf("%w: step %d has no description", ErrInvalidPlan, s.Order)
		}
		if s.Order <= prev {
			return nil, fmt.Errorf("%w: step order %d does not follow %d", ErrInvalidPlan, s.Order, prev)
		}
		for _, d := range s.Dependencies {
			if d >= s.Order || !known[d] {
				return nil, fmt.Errorf("%w: step %d depends on %d which is not an earlier step", ErrInvalidPlan, s.Order, d)
			}
		}
		known[s.Order] = true
		prev = s.Order
		if s.Status == "" {
			s.Status = StepPending
		}
	}

	return &Plan{
		ID:                   uuid.NewString(),
		OriginalTask:         task,
		Analysis:             analysis,
		Steps:                steps,
		RequiredDependencies: mergePackages(nil, required),
		Status:               PlanPending,
		CreatedAt:            time.Now(),
	}, nil
}

// CurrentStep returns the step under the pointer or nil when all steps are done.
func (p *Plan) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStepIndex]
}

// CompletedSteps returns completed steps of the current and superseded plans.
func (p *Plan) CompletedSteps() []*Step {
	var out []*Step
	for _, s := range p.Superseded {
		if s.Status == StepCompleted {
			out = append(out, s)
		}
	}
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			out = append(out, s)
		}
	}
	return out
}

func (p *Plan) addIssue(format string, args ...any) {
	p.Issues = append(p.Issues, fmt.Sprintf(format, args...))
}

// Summary renders a human readable account of how the plan ended.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", p.OriginalTask)
	fmt.Fprintf(&b, "Status: %s (%d iterations, %d replans)\n", p.Status, p.TotalIterations, p.ReplanCount)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "  %d. [%s] %s", s.Order, s.Status, s.Description)
		if s.AttemptCount > 1 {
			fmt.Fprintf(&b, " (%d attempts)", s.AttemptCount)
		}
		b.WriteString("\n")
		if s.Evaluation != nil && s.Status != StepCompleted && s.Evaluation.Reasoning != "" {
			fmt.Fprintf(&b, "     -> %s\n", s.Evaluation.Reasoning)
		}
	}
	if len(p.Issues) > 0 {
		b.WriteString("Issues:\n")
		for _, issue := range p.Issues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// mergePackages returns the sorted union of two package lists.
func mergePackages(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if p = strings.TrimSpace(p); p != "" {
				set[p] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
