package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/sandbox"
	"github.com/rahul/stepforge/internal/tools"
)

// StepExecutor performs a single attempt of a step.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (ExecutionResult, error)
}

// StepRequest is everything the worker sees for one attempt.
type StepRequest struct {
	SessionID         string
	OriginalTask      string
	Step              Step
	TotalSteps        int
	Retry             RetryContext
	CompletedSteps    []*Step
	InstalledPackages []string
}

const defaultWorkerSteps = 10

// WorkerBrain is a ReAct agent that carries out one plan step through the
// sandbox tools.
type WorkerBrain struct {
	Model      llms.Model
	Dispatcher *tools.Dispatcher
	Prompts    *PromptManager
	Logger     *observability.Logger
	MaxSteps   int
}

func NewWorkerBrain(model llms.Model, dispatcher *tools.Dispatcher, prompts *PromptManager, logger *observability.Logger) *WorkerBrain {
	return &WorkerBrain{
		Model:      model,
		Dispatcher: dispatcher,
		Prompts:    prompts,
		Logger:     logger,
		MaxSteps:   defaultWorkerSteps,
	}
}

func (b *WorkerBrain) ExecuteStep(ctx context.Context, req StepRequest) (ExecutionResult, error) {
	start := time.Now()

	// 1. Get Worker Prompt
	systemPrompt, err := b.Prompts.GetWorkerPrompt()
	if err != nil {
		log.Printf("Warning: Failed to load worker prompt: %v", err)
	}

	// 2. Prepare messages (System Prompt + step brief)
	input := buildStepPrompt(req)
	var messages []llms.MessageContent
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))

	// 3. Prepare tools for the LLM
	dispatcher := b.Dispatcher.WithSession(req.SessionID)
	var llmTools []llms.Tool
	for _, t := range dispatcher.Registry().List() {
		llmTools = append(llmTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}

	maxSteps := b.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultWorkerSteps
	}

	// 4. Reasoning Loop (ReAct)
	var (
		track       attemptTracker
		final       string
		answered    bool
		order       = req.Step.Order
		toolOptions = []llms.CallOption{llms.WithTools(llmTools)}
	)
	for i := 0; i < maxSteps; i++ {
		resp, err := b.Model.GenerateContent(ctx, messages, toolOptions...)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("worker model: %w", err)
		}
		if len(resp.Choices) == 0 {
			return ExecutionResult{}, fmt.Errorf("worker model returned no choices")
		}
		choice := resp.Choices[0]
		b.Logger.LogLLM(req.SessionID, "worker", messages[len(messages)-1], choice.Content, choice.ToolCalls)

		// Add Assistant's message to history
		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeAI,
			Parts: assistantParts,
		})

		// If no tool calls, this is the final answer
		if len(choice.ToolCalls) == 0 {
			final = choice.Content
			answered = true
			break
		}

		// Handle Tool Calls (Observe results)
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			name, args := tc.FunctionCall.Name, tc.FunctionCall.Arguments
			b.Logger.LogToolCall(req.SessionID, order, name, args)
			log.Printf("[Step %d.%d] Executing tool %s", order, i+1, name)

			out := dispatcher.Call(ctx, name, args)
			track.observe(out)
			b.Logger.LogToolResult(req.SessionID, order, name, sandbox.TruncateOutput(out.Content, 2000))

			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       name,
						Content:    out.Content,
					},
				},
			})
		}
	}

	res := track.result(order, final, answered)
	res.ElapsedTime = time.Since(start)
	return res, nil
}

// attemptTracker folds the outcomes of one attempt's tool calls.
type attemptTracker struct {
	lastRun   *sandbox.RunResult
	artifacts map[string]struct{}
	succeeded int
	lastErr   error
}

func (t *attemptTracker) observe(out tools.Outcome) {
	if out.Run != nil {
		run := *out.Run
		t.lastRun = &run
	}
	if out.Err != nil {
		t.lastErr = out.Err
	} else {
		t.succeeded++
	}
	for _, a := range out.Artifacts {
		if t.artifacts == nil {
			t.artifacts = make(map[string]struct{})
		}
		t.artifacts[a] = struct{}{}
	}
}

// result maps the attempt onto an ExecutionResult. The last script run decides
// the status. Without one, any successful tool call counts as success.
func (t *attemptTracker) result(order int, final string, answered bool) ExecutionResult {
	res := ExecutionResult{
		StepOrder:          order,
		Summary:            strings.TrimSpace(final),
		GeneratedArtifacts: t.artifactList(),
	}

	switch {
	case !answered:
		res.Status = ExecFailed
		res.ExitCode = -1
		res.ErrorMessage = "worker reached the maximum reasoning steps without finishing"
		if t.lastRun != nil {
			res.Output = t.lastRun.Stdout
		}
	case t.lastRun != nil:
		res.Status = execStatus(t.lastRun.Status)
		res.ExitCode = t.lastRun.ExitCode
		res.Output = t.lastRun.Stdout
		res.ErrorMessage = joinNonEmpty(t.lastRun.Error, t.lastRun.Stderr)
		if res.Status != ExecSuccess && res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("script %s with exit code %d", t.lastRun.Status, t.lastRun.ExitCode)
		}
	case t.succeeded > 0:
		res.Status = ExecSuccess
		res.Output = res.Summary
	default:
		res.Status = ExecFailed
		res.ExitCode = -1
		res.ErrorMessage = "worker finished without performing any action"
		if t.lastErr != nil {
			res.ErrorMessage = t.lastErr.Error()
		}
	}
	return res
}

func (t *attemptTracker) artifactList() []string {
	if len(t.artifacts) == 0 {
		return nil
	}
	out := make([]string, 0, len(t.artifacts))
	for a := range t.artifacts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func execStatus(s sandbox.Status) ExecutionStatus {
	switch s {
	case sandbox.StatusSuccess:
		return ExecSuccess
	case sandbox.StatusTimedOut:
		return ExecTimedOut
	case sandbox.StatusCancelled:
		return ExecCancelled
	default:
		return ExecFailed
	}
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func buildStepPrompt(req StepRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n\n", req.OriginalTask)
	fmt.Fprintf(&b, "STEP %d/%d: %s\n", req.Step.Order, req.TotalSteps, req.Step.Description)
	if req.Step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "EXPECTED OUTPUT: %s\n", req.Step.ExpectedOutput)
	}
	if len(req.InstalledPackages) > 0 {
		fmt.Fprintf(&b, "INSTALLED PACKAGES: %s\n", strings.Join(req.InstalledPackages, ", "))
	}
	if len(req.CompletedSteps) > 0 {
		b.WriteString("\nCOMPLETED STEPS:\n")
		for _, s := range req.CompletedSteps {
			fmt.Fprintf(&b, "- %d. %s", s.Order, s.Description)
			if s.ExecutionResult != nil && len(s.ExecutionResult.GeneratedArtifacts) > 0 {
				fmt.Fprintf(&b, " [files: %s]", strings.Join(s.ExecutionResult.GeneratedArtifacts, ", "))
			}
			b.WriteString("\n")
		}
	}
	if req.Retry.AttemptNumber > 1 {
		fmt.Fprintf(&b, "\nATTEMPT %d of %d. Previous attempts failed:\n", req.Retry.AttemptNumber, req.Retry.MaxAttempts)
		for i, e := range req.Retry.PreviousErrors {
			fmt.Fprintf(&b, "%d. %s\n", i+1, sandbox.TruncateOutput(e, 800))
		}
		if req.Retry.SuggestedAdjustment != "" {
			fmt.Fprintf(&b, "SUGGESTED ADJUSTMENT: %s\n", req.Retry.SuggestedAdjustment)
		}
	}
	b.WriteString("\nComplete only this step. Reply with a short summary when done.")
	return b.String()
}
