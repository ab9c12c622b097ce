package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/stepforge/internal/sandbox"
)

// scriptedModel replays canned responses in order and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	err       error
	calls     [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textOf(p llms.ContentPart) string {
	if tc, ok := p.(llms.TextContent); ok {
		return tc.Text
	}
	return ""
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

// fakeSandbox records installs and can be told to fail.
type fakeSandbox struct {
	initErr    error
	installErr error
	installed  map[string]bool
	batches    [][]string
	inits      int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{installed: make(map[string]bool)}
}

func (f *fakeSandbox) InitializeEnvironment(ctx context.Context, workspace string) (*sandbox.Environment, error) {
	f.inits++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return sandbox.NewEnvironment(workspace, sandbox.DefaultLayout(), "pip")
}

func (f *fakeSandbox) MissingPackages(names []string) []string {
	var out []string
	for _, n := range names {
		if !f.installed[n] {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeSandbox) InstallPackages(ctx context.Context, names []string) ([]string, error) {
	f.batches = append(f.batches, names)
	if f.installErr != nil {
		return nil, f.installErr
	}
	for _, n := range names {
		f.installed[n] = true
	}
	return names, nil
}

func (f *fakeSandbox) InstalledPackages() []string {
	var out []string
	for n := range f.installed {
		out = append(out, n)
	}
	return out
}

// fakePlanner hands out prepared plans.
type fakePlanner struct {
	plan      *Plan
	err       error
	replans   []*Plan
	replanErr error
	requests  []ReplanRequest
}

func (f *fakePlanner) CreatePlan(ctx context.Context, task string) (*Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

func (f *fakePlanner) Replan(ctx context.Context, req ReplanRequest) (*Plan, error) {
	f.requests = append(f.requests, req)
	if f.replanErr != nil {
		return nil, f.replanErr
	}
	if len(f.replans) == 0 {
		return nil, errors.New("no replan prepared")
	}
	p := f.replans[0]
	f.replans = f.replans[1:]
	return p, nil
}

// funcExecutor lets each test decide the outcome of an attempt.
type funcExecutor struct {
	fn       func(req StepRequest) (ExecutionResult, error)
	requests []StepRequest
}

func (f *funcExecutor) ExecuteStep(ctx context.Context, req StepRequest) (ExecutionResult, error) {
	f.requests = append(f.requests, req)
	return f.fn(req)
}

// queueEvaluator returns prepared verdicts, then falls back to inner.
type queueEvaluator struct {
	verdicts []EvaluationResult
	inner    StepEvaluator
}

func (q *queueEvaluator) Evaluate(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) EvaluationResult {
	if len(q.verdicts) > 0 {
		v := q.verdicts[0]
		q.verdicts = q.verdicts[1:]
		v.OriginalResult = result
		return v
	}
	return q.inner.Evaluate(ctx, step, result, rc)
}

type panicEvaluator struct{}

func (panicEvaluator) Evaluate(ctx context.Context, step Step, result ExecutionResult, rc RetryContext) EvaluationResult {
	panic("evaluator exploded")
}

// sleepRecorder captures backoff delays without waiting.
type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func mustPlan(task string, descriptions ...string) *Plan {
	steps := make([]*Step, len(descriptions))
	for i, d := range descriptions {
		steps[i] = &Step{Order: i + 1, Description: d, ExpectedOutput: "done"}
	}
	p, err := NewPlan(task, "", steps, nil)
	if err != nil {
		panic(err)
	}
	return p
}
