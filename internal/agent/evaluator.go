package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/sandbox"
)

// Verdict is the evaluator's classification of a step attempt.
type Verdict string

const (
	VerdictSuccess            Verdict = "success"
	VerdictRetry              Verdict = "retry"
	VerdictImpossible         Verdict = "impossible"
	VerdictRequiresPlanChange Verdict = "requires_plan_change"
)

// EvaluationResult is produced by the evaluator and acted on by the
// Orchestrator. RetryContext is set only for VerdictRetry.
type EvaluationResult struct {
	Verdict           Verdict         `json:"verdict"`
	Reasoning         string          `json:"reasoning"`
	SuggestedApproach string          `json:"suggested_approach,omitempty"`
	RetryContext      *RetryContext   `json:"retry_context,omitempty"`
	OriginalResult    ExecutionResult `json:"-"`
}

// judgment is the structured answer expected from the evaluation service.
type judgment struct {
	Success             bool   `json:"success"`
	Retryable           bool   `json:"retryable"`
	Impossible          bool   `json:"impossible"`
	RequiresPlanChange  bool   `json:"requires_plan_change"`
	Reasoning           string `json:"reasoning"`
	SuggestedAdjustment string `json:"suggested_adjustment"`
	SuggestedApproach   string `json:"suggested_approach"`
}

func (j judgment) decided() bool {
	return j.Success || j.Retryable || j.Impossible || j.RequiresPlanChange
}

const evaluatorOutputChars = 4000

// Evaluator classifies step results. It never changes the plan.
type Evaluator struct {
	Model    llms.Model
	Strategy RetryStrategy
	Prompts  *PromptManager
	Logger   *observability.Logger
}

func NewEvaluator(model llms.Model, strategy RetryStrategy, prompts *PromptManager, logger *observability.Logger) *Evaluator {
	return &Evaluator{
		Model:    model,
		Strategy: strategy,
		Prompts:  prompts,
		Logger:   logger,
	}
}

// Evaluate classifies result, the outcome of attempt rc.AttemptNumber of step.
func (e *Evaluator) Evaluate(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) EvaluationResult {
	switch result.Status {
	case ExecSuccess:
		return EvaluationResult{
			Verdict:        VerdictSuccess,
			Reasoning:      "execution succeeded",
			OriginalResult: result,
		}
	case ExecCancelled:
		return EvaluationResult{
			Verdict:        VerdictImpossible,
			Reasoning:      "execution was cancelled",
			OriginalResult: result,
		}
	}

	j, err := e.judge(ctx, step, result, rc)
	if err != nil {
		log.Printf("[evaluator] step %d: falling back to heuristic: %v", step.Order, err)
		j = heuristicJudgment(result, err)
	}
	return e.decide(j, result, rc)
}

func (e *Evaluator) decide(j judgment, result ExecutionResult, rc RetryContext) EvaluationResult {
	out := EvaluationResult{Reasoning: j.Reasoning, OriginalResult: result}
	switch {
	case j.Impossible:
		out.Verdict = VerdictImpossible
	case j.RequiresPlanChange:
		out.Verdict = VerdictRequiresPlanChange
		out.SuggestedApproach = j.SuggestedApproach
		if out.SuggestedApproach == "" {
			out.SuggestedApproach = j.SuggestedAdjustment
		}
	case j.Success:
		out.Verdict = VerdictSuccess
	case j.Retryable && e.Strategy.ShouldRetry(rc):
		next := rc.Next(failureText(result), j.SuggestedAdjustment)
		out.Verdict = VerdictRetry
		out.RetryContext = &next
	default:
		out.Verdict = VerdictImpossible
		if !e.Strategy.ShouldRetry(rc) {
			out.Reasoning = strings.TrimSpace(fmt.Sprintf("%s (gave up after %d attempts)", j.Reasoning, rc.AttemptNumber))
		}
	}
	return out
}

// HeuristicEvaluation classifies result without the evaluation service:
// failures and timeouts are retried while attempts remain.
func HeuristicEvaluation(strategy RetryStrategy, result ExecutionResult, rc RetryContext, cause error) EvaluationResult {
	e := &Evaluator{Strategy: strategy}
	if result.Status == ExecSuccess || result.Status == ExecCancelled {
		return e.Evaluate(context.Background(), Step{Order: result.StepOrder}, result, rc)
	}
	return e.decide(heuristicJudgment(result, cause), result, rc)
}

func heuristicJudgment(result ExecutionResult, cause error) judgment {
	retryable := result.Status == ExecFailed || result.Status == ExecTimedOut
	reason := fmt.Sprintf("execution %s", result.Status)
	if result.ErrorMessage != "" {
		reason += ": " + firstLine(result.ErrorMessage)
	}
	if cause != nil {
		reason += fmt.Sprintf("; evaluation unavailable (%v)", cause)
	}
	return judgment{Retryable: retryable, Impossible: !retryable, Reasoning: reason}
}

func (e *Evaluator) judge(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) (judgment, error) {
	if e.Model == nil {
		return judgment{}, fmt.Errorf("no evaluation model configured")
	}
	system, err := e.Prompts.GetEvaluatorPrompt()
	if err != nil {
		return judgment{}, err
	}
	prompt := buildEvaluationPrompt(step, result, rc)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := e.Model.GenerateContent(ctx, messages, llms.WithJSONMode())
	if err != nil {
		return judgment{}, fmt.Errorf("evaluation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return judgment{}, fmt.Errorf("evaluation returned no choices")
	}
	content := resp.Choices[0].Content
	e.Logger.LogLLM("", "evaluator", prompt, content, nil)

	raw, err := extractJSONObject(content)
	if err != nil {
		return judgment{}, err
	}
	var j judgment
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return judgment{}, fmt.Errorf("unparsable evaluation: %w", err)
	}
	if !j.decided() {
		return judgment{}, fmt.Errorf("evaluation set no verdict flag")
	}
	return j, nil
}

func buildEvaluationPrompt(step Step, result ExecutionResult, rc RetryContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STEP %d: %s\n", step.Order, step.Description)
	fmt.Fprintf(&b, "EXPECTED OUTPUT: %s\n", step.ExpectedOutput)
	fmt.Fprintf(&b, "ATTEMPT: %d of %d\n", rc.AttemptNumber, rc.MaxAttempts)
	fmt.Fprintf(&b, "STATUS: %s (exit code %d)\n\n", result.Status, result.ExitCode)
	fmt.Fprintf(&b, "OUTPUT:\n%s\n\n", sandbox.TruncateOutput(result.Output, evaluatorOutputChars))
	if result.ErrorMessage != "" {
		fmt.Fprintf(&b, "ERROR:\n%s\n\n", sandbox.TruncateOutput(result.ErrorMessage, evaluatorOutputChars))
	}
	if result.Summary != "" {
		fmt.Fprintf(&b, "WORKER SUMMARY:\n%s\n\n", sandbox.TruncateOutput(result.Summary, evaluatorOutputChars))
	}
	if len(rc.PreviousErrors) > 0 {
		b.WriteString("PREVIOUS ERRORS:\n")
		for i, pe := range rc.PreviousErrors {
			fmt.Fprintf(&b, "%d. %s\n", i+1, sandbox.TruncateOutput(pe, 500))
		}
	}
	return b.String()
}

func failureText(result ExecutionResult) string {
	if result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return fmt.Sprintf("execution %s with exit code %d", result.Status, result.ExitCode)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
