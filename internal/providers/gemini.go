package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/tmc/langchaingo/llms"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

var errNoContent = errors.New("gemini: empty conversation")

// GeminiModel adapts the Gemini SDK to llms.Model so the agent can use it
// like any langchaingo provider.
type GeminiModel struct {
	client *genai.Client
	model  string
}

var _ llms.Model = (*GeminiModel)(nil)

func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiModel{client: c, model: model}, nil
}

func (g *GeminiModel) Close() error {
	return g.client.Close()
}

func (g *GeminiModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g, prompt, options...)
}

func (g *GeminiModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}

	model := g.client.GenerativeModel(g.model)
	if opts.Temperature > 0 {
		model.SetTemperature(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	if opts.JSONMode {
		model.ResponseMIMEType = "application/json"
	}
	if len(opts.Tools) > 0 {
		tool, err := toGeminiTool(opts.Tools)
		if err != nil {
			return nil, err
		}
		model.Tools = []*genai.Tool{tool}
	}

	system, history, err := toGeminiContents(messages)
	if err != nil {
		return nil, err
	}
	model.SystemInstruction = system

	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return fromGeminiResponse(resp), nil
}

// toGeminiContents splits off system messages and converts the rest to
// Gemini turns. Consecutive messages with the same role are merged.
func toGeminiContents(messages []llms.MessageContent) (*genai.Content, []*genai.Content, error) {
	var (
		systemParts []genai.Part
		history     []*genai.Content
	)
	for _, m := range messages {
		if m.Role == llms.ChatMessageTypeSystem {
			for _, p := range m.Parts {
				if t, ok := p.(llms.TextContent); ok {
					systemParts = append(systemParts, genai.Text(t.Text))
				}
			}
			continue
		}

		role := "user"
		if m.Role == llms.ChatMessageTypeAI {
			role = "model"
		}
		var parts []genai.Part
		for _, p := range m.Parts {
			switch v := p.(type) {
			case llms.TextContent:
				if v.Text != "" {
					parts = append(parts, genai.Text(v.Text))
				}
			case llms.ToolCall:
				if v.FunctionCall == nil {
					continue
				}
				parts = append(parts, genai.FunctionCall{
					Name: v.FunctionCall.Name,
					Args: decodeObject(v.FunctionCall.Arguments),
				})
			case llms.ToolCallResponse:
				parts = append(parts, genai.FunctionResponse{
					Name:     v.Name,
					Response: decodeObject(v.Content),
				})
			default:
				return nil, nil, fmt.Errorf("gemini: unsupported message part %T", p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, parts...)
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}

	if len(history) == 0 {
		return nil, nil, errNoContent
	}
	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: systemParts}
	}
	return system, history, nil
}

// decodeObject parses a JSON object, wrapping anything else as {"content": s}.
func decodeObject(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil && m != nil {
		return m
	}
	if strings.TrimSpace(s) == "" {
		return map[string]any{}
	}
	return map[string]any{"content": s}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) *llms.ContentResponse {
	out := &llms.ContentResponse{}
	if resp == nil {
		return out
	}
	for _, cand := range resp.Candidates {
		choice := &llms.ContentChoice{StopReason: cand.FinishReason.String()}
		if cand.Content != nil {
			var text strings.Builder
			for _, part := range cand.Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					text.WriteString(string(v))
				case genai.FunctionCall:
					args, err := json.Marshal(v.Args)
					if err != nil {
						args = []byte("{}")
					}
					choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
						ID:   fmt.Sprintf("call_%d", len(choice.ToolCalls)+1),
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      v.Name,
							Arguments: string(args),
						},
					})
				}
			}
			choice.Content = text.String()
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

func toGeminiTool(tools []llms.Tool) (*genai.Tool, error) {
	t := &genai.Tool{}
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		var params *genai.Schema
		if tool.Function.Parameters != nil {
			raw, ok := tool.Function.Parameters.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("gemini: tool %s parameters must be a JSON schema object", tool.Function.Name)
			}
			s, err := toGeminiSchema(raw)
			if err != nil {
				return nil, fmt.Errorf("gemini: tool %s: %w", tool.Function.Name, err)
			}
			params = s
		}
		t.FunctionDeclarations = append(t.FunctionDeclarations, &genai.FunctionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  params,
		})
	}
	return t, nil
}

var schemaTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// toGeminiSchema converts the JSON schema subset the tools use.
func toGeminiSchema(m map[string]any) (*genai.Schema, error) {
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		typ, known := schemaTypes[t]
		if !known {
			return nil, fmt.Errorf("unsupported schema type %q", t)
		}
		s.Type = typ
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	s.Enum = stringSlice(m["enum"])
	s.Required = stringSlice(m["required"])

	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			pm, ok := p.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %s is not a schema", name)
			}
			ps, err := toGeminiSchema(pm)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			s.Properties[name] = ps
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		is, err := toGeminiSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = is
	}
	return s, nil
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
