package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/sandbox"
	"github.com/rahul/stepforge/internal/tools"
)

// Planner turns a task into a Plan and rebuilds it when a step needs a
// different approach.
type Planner interface {
	CreatePlan(ctx context.Context, task string) (*Plan, error)
	Replan(ctx context.Context, req ReplanRequest) (*Plan, error)
}

// ReplanRequest describes why the remaining plan is being replaced.
type ReplanRequest struct {
	OriginalTask      string
	CompletedSteps    []*Step
	FailedStep        Step
	Reasoning         string
	SuggestedApproach string
}

type planProposal struct {
	Analysis         string         `json:"analysis"`
	RequiredPackages []string       `json:"required_packages"`
	Steps            []stepProposal `json:"steps"`
}

type stepProposal struct {
	Order            int      `json:"order"`
	Description      string   `json:"description"`
	ExpectedOutput   string   `json:"expected_output"`
	Dependencies     []int    `json:"dependencies"`
	RequiredPackages []string `json:"required_packages"`
}

const proposePlanTool = "propose_plan"

// LLMPlanner asks the model for a plan through the propose_plan tool and
// accepts a bare JSON answer from models that do not call tools.
type LLMPlanner struct {
	Model    llms.Model
	Prompts  *PromptManager
	Registry *tools.Registry
	Logger   *observability.Logger
}

func NewLLMPlanner(model llms.Model, prompts *PromptManager, registry *tools.Registry, logger *observability.Logger) *LLMPlanner {
	return &LLMPlanner{
		Model:    model,
		Prompts:  prompts,
		Registry: registry,
		Logger:   logger,
	}
}

func (p *LLMPlanner) CreatePlan(ctx context.Context, task string) (*Plan, error) {
	prompt := fmt.Sprintf("TASK:\n%s\n\nProduce the plan.", task)
	return p.plan(ctx, task, prompt)
}

func (p *LLMPlanner) Replan(ctx context.Context, req ReplanRequest) (*Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\n", req.OriginalTask)
	if len(req.CompletedSteps) > 0 {
		b.WriteString("ALREADY COMPLETED (do not repeat, their files are in the workspace):\n")
		for _, s := range req.CompletedSteps {
			fmt.Fprintf(&b, "- %s", s.Description)
			if s.ExecutionResult != nil && len(s.ExecutionResult.GeneratedArtifacts) > 0 {
				fmt.Fprintf(&b, " [files: %s]", strings.Join(s.ExecutionResult.GeneratedArtifacts, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "FAILED STEP: %s\n", req.FailedStep.Description)
	if req.FailedStep.ExecutionResult != nil && req.FailedStep.ExecutionResult.ErrorMessage != "" {
		fmt.Fprintf(&b, "LAST ERROR: %s\n", sandbox.TruncateOutput(req.FailedStep.ExecutionResult.ErrorMessage, 1500))
	}
	fmt.Fprintf(&b, "WHY IT FAILED: %s\n", req.Reasoning)
	if req.SuggestedApproach != "" {
		fmt.Fprintf(&b, "SUGGESTED APPROACH: %s\n", req.SuggestedApproach)
	}
	b.WriteString("\nProduce a new plan for the remaining work only, numbered from 1.")
	return p.plan(ctx, req.OriginalTask, b.String())
}

func (p *LLMPlanner) plan(ctx context.Context, task, prompt string) (*Plan, error) {
	plannerPrompt, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return nil, fmt.Errorf("failed to load planner prompt: %w", err)
	}

	if p.Registry != nil {
		var toolDescriptions []string
		for _, t := range p.Registry.List() {
			toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
		}
		plannerPrompt = fmt.Sprintf("%s\n\n## Worker Tools:\n%s", plannerPrompt, strings.Join(toolDescriptions, "\n"))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, plannerPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools()))
	if err != nil {
		return nil, fmt.Errorf("planning request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}
	choice := resp.Choices[0]
	p.Logger.LogLLM("", "planner", prompt, choice.Content, choice.ToolCalls)

	var raw string
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil && tc.FunctionCall.Name == proposePlanTool {
			raw = tc.FunctionCall.Arguments
			break
		}
	}
	if raw == "" {
		if raw, err = extractJSONObject(choice.Content); err != nil {
			return nil, fmt.Errorf("planner failed to provide a plan: %w", err)
		}
	}

	var proposal planProposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return proposal.toPlan(task)
}

// toPlan numbers steps sequentially when the model left orders out.
func (pp planProposal) toPlan(task string) (*Plan, error) {
	numbered := true
	for _, s := range pp.Steps {
		if s.Order == 0 {
			numbered = false
			break
		}
	}

	steps := make([]*Step, 0, len(pp.Steps))
	required := append([]string{}, pp.RequiredPackages...)
	for i, s := range pp.Steps {
		order := s.Order
		if !numbered {
			order = i + 1
		}
		steps = append(steps, &Step{
			Order:                order,
			Description:          strings.TrimSpace(s.Description),
			ExpectedOutput:       strings.TrimSpace(s.ExpectedOutput),
			Dependencies:         s.Dependencies,
			RequiredDependencies: mergePackages(nil, s.RequiredPackages),
		})
		required = append(required, s.RequiredPackages...)
	}
	return NewPlan(task, pp.Analysis, steps, required)
}

func plannerTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        proposePlanTool,
				Description: "Submit the structured, ordered plan for the task.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"analysis": map[string]any{
							"type":        "string",
							"description": "Short reasoning about how to approach the task",
						},
						"required_packages": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"order": map[string]any{
										"type": "integer",
									},
									"description": map[string]any{
										"type": "string",
									},
									"expected_output": map[string]any{
										"type": "string",
									},
									"dependencies": map[string]any{
										"type":  "array",
										"items": map[string]any{"type": "integer"},
									},
									"required_packages": map[string]any{
										"type":  "array",
										"items": map[string]any{"type": "string"},
									},
								},
								"required": []string{"order", "description", "expected_output"},
							},
						},
					},
					"required": []string{"analysis", "steps"},
				},
			},
		},
	}
}
