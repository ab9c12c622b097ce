package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

func failedResult(msg string) ExecutionResult {
	return ExecutionResult{StepOrder: 1, Status: ExecFailed, ExitCode: 1, ErrorMessage: msg}
}

func TestEvaluator_SuccessSkipsModel(t *testing.T) {
	model := &scriptedModel{}
	e := NewEvaluator(model, DefaultRetryStrategy(), NewPromptManager(""), nil)

	got := e.Evaluate(context.Background(), Step{Order: 1}, ExecutionResult{Status: ExecSuccess}, NewRetryContext(3))
	if got.Verdict != VerdictSuccess {
		t.Errorf("verdict = %s", got.Verdict)
	}
	if model.callCount() != 0 {
		t.Error("model consulted for a successful result")
	}
}

func TestEvaluator_CancelledIsImpossible(t *testing.T) {
	model := &scriptedModel{}
	e := NewEvaluator(model, DefaultRetryStrategy(), NewPromptManager(""), nil)

	got := e.Evaluate(context.Background(), Step{Order: 1}, ExecutionResult{Status: ExecCancelled}, NewRetryContext(3))
	if got.Verdict != VerdictImpossible || got.RetryContext != nil {
		t.Errorf("got %+v", got)
	}
	if model.callCount() != 0 {
		t.Error("model consulted for a cancelled result")
	}
}

func TestEvaluator_ModelJudgments(t *testing.T) {
	cases := []struct {
		name     string
		answer   string
		rc       RetryContext
		want     Verdict
		contains string
	}{
		{
			name:   "retryable",
			answer: "```json\n{\"retryable\": true, \"reasoning\": \"typo\", \"suggested_adjustment\": \"fix the import\"}\n```",
			rc:     NewRetryContext(3),
			want:   VerdictRetry,
		},
		{
			name:     "impossible",
			answer:   `{"impossible": true, "reasoning": "needs an API key"}`,
			rc:       NewRetryContext(3),
			want:     VerdictImpossible,
			contains: "API key",
		},
		{
			name:     "plan change",
			answer:   `Sure. {"requires_plan_change": true, "reasoning": "wrong tool", "suggested_approach": "use csv module"}`,
			rc:       NewRetryContext(3),
			want:     VerdictRequiresPlanChange,
			contains: "wrong tool",
		},
		{
			name:   "accepted despite exit code",
			answer: `{"success": true, "reasoning": "output matches"}`,
			rc:     NewRetryContext(3),
			want:   VerdictSuccess,
		},
		{
			name:     "retryable but exhausted",
			answer:   `{"retryable": true, "reasoning": "still failing"}`,
			rc:       RetryContext{AttemptNumber: 3, MaxAttempts: 3},
			want:     VerdictImpossible,
			contains: "gave up after 3 attempts",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &scriptedModel{responses: []*llms.ContentResponse{textResponse(tc.answer)}}
			e := NewEvaluator(model, DefaultRetryStrategy(), NewPromptManager(""), nil)

			got := e.Evaluate(context.Background(), Step{Order: 1, Description: "d"}, failedResult("NameError: x"), tc.rc)
			if got.Verdict != tc.want {
				t.Fatalf("verdict = %s, want %s (%q)", got.Verdict, tc.want, got.Reasoning)
			}
			if tc.contains != "" && !strings.Contains(got.Reasoning, tc.contains) {
				t.Errorf("reasoning = %q", got.Reasoning)
			}
			if model.callCount() != 1 {
				t.Errorf("model calls = %d", model.callCount())
			}
		})
	}
}

func TestEvaluator_RetryCarriesAdjustment(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		textResponse(`{"retryable": true, "reasoning": "missing import", "suggested_adjustment": "import os"}`),
	}}
	e := NewEvaluator(model, DefaultRetryStrategy(), NewPromptManager(""), nil)
	rc := NewRetryContext(3)

	got := e.Evaluate(context.Background(), Step{Order: 2}, failedResult("NameError: os"), rc)
	if got.RetryContext == nil {
		t.Fatal("retry verdict without retry context")
	}
	next := *got.RetryContext
	if next.AttemptNumber != 2 || next.SuggestedAdjustment != "import os" {
		t.Errorf("next = %+v", next)
	}
	if len(next.PreviousErrors) != 1 || next.PreviousErrors[0] != "NameError: os" {
		t.Errorf("previous errors = %v", next.PreviousErrors)
	}
	if rc.AttemptNumber != 1 || len(rc.PreviousErrors) != 0 {
		t.Errorf("input context modified: %+v", rc)
	}

	// The prompt reaching the model describes the attempt.
	prompt := model.calls[0][1].Parts[0]
	if !strings.Contains(textOf(prompt), "ATTEMPT: 1 of 3") {
		t.Errorf("prompt = %v", prompt)
	}
}

func TestEvaluator_FallsBackToHeuristic(t *testing.T) {
	cases := []struct {
		name   string
		model  *scriptedModel
		result ExecutionResult
		want   Verdict
	}{
		{"service error on failure", &scriptedModel{err: errors.New("503")}, failedResult("boom"), VerdictRetry},
		{"garbage answer on timeout", &scriptedModel{responses: []*llms.ContentResponse{textResponse("I think it is fine")}}, ExecutionResult{Status: ExecTimedOut}, VerdictRetry},
		{"no verdict flag on failure", &scriptedModel{responses: []*llms.ContentResponse{textResponse(`{"reasoning": "looks odd"}`)}}, failedResult("boom"), VerdictRetry},
		{"no verdict flag on cancel", &scriptedModel{responses: []*llms.ContentResponse{textResponse(`{"reasoning": "looks odd"}`)}}, ExecutionResult{Status: ExecCancelled}, VerdictImpossible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEvaluator(tc.model, DefaultRetryStrategy(), NewPromptManager(""), nil)
			got := e.Evaluate(context.Background(), Step{Order: 1}, tc.result, NewRetryContext(3))
			if got.Verdict != tc.want {
				t.Errorf("verdict = %s, want %s", got.Verdict, tc.want)
			}
			if strings.Contains(got.Reasoning, "gave up") {
				t.Errorf("first attempt reported as exhausted: %q", got.Reasoning)
			}
		})
	}
}

func TestHeuristicEvaluation(t *testing.T) {
	s := DefaultRetryStrategy()
	if got := HeuristicEvaluation(s, failedResult("x"), NewRetryContext(3), nil); got.Verdict != VerdictRetry {
		t.Errorf("failed result: %s", got.Verdict)
	}
	if got := HeuristicEvaluation(s, failedResult("x"), RetryContext{AttemptNumber: 3, MaxAttempts: 3}, nil); got.Verdict != VerdictImpossible {
		t.Errorf("exhausted: %s", got.Verdict)
	}
	if got := HeuristicEvaluation(s, ExecutionResult{Status: ExecCancelled}, NewRetryContext(3), nil); got.Verdict != VerdictImpossible {
		t.Errorf("cancelled: %s", got.Verdict)
	}
	if got := HeuristicEvaluation(s, ExecutionResult{Status: ExecSuccess}, NewRetryContext(3), nil); got.Verdict != VerdictSuccess {
		t.Errorf("success: %s", got.Verdict)
	}
}
