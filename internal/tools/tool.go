package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rahul/stepforge/internal/sandbox"
)

// Tool defines the interface for all sandbox operations the code-generation
// stage can call.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, args json.RawMessage) (Result, error)
}

// Result is a successful tool outcome. Value is serialized into the
// response; Run and Artifacts are reported back to the caller only.
type Result struct {
	Value     any
	Run       *sandbox.RunResult
	Artifacts []string
}

// Registry manages the set of available tools.
type Registry struct {
	Tools map[string]Tool

	// aliases route extra names to a registered tool without advertising them.
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		Tools:   make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

func (r *Registry) Register(t Tool) {
	r.Tools[t.Name()] = t
}

// Alias makes alias resolve to the tool registered as name.
func (r *Registry) Alias(alias, name string) {
	r.aliases[alias] = name
}

func (r *Registry) Get(name string) Tool {
	if t, ok := r.Tools[name]; ok {
		return t
	}
	if target, ok := r.aliases[name]; ok {
		return r.Tools[target]
	}
	return nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Deps are the sandbox collaborators shared by the built-in tools.
type Deps struct {
	Source    sandbox.EnvironmentSource
	Runner    *sandbox.Runner
	Installer PackageInstaller
	// MaxReadBytes caps file contents returned to the model.
	MaxReadBytes int
}

// NewSandboxRegistry registers every built-in tool.
func NewSandboxRegistry(d Deps) *Registry {
	if d.MaxReadBytes <= 0 {
		d.MaxReadBytes = d.Runner.MaxOutputBytes()
	}
	r := NewRegistry()
	r.Register(&WriteFileTool{source: d.Source})
	r.Register(&ReadFileTool{source: d.Source, maxBytes: d.MaxReadBytes})
	r.Register(&ListFilesTool{source: d.Source})
	r.Register(&ExecuteCodeTool{source: d.Source, runner: d.Runner})
	r.Register(&ExecuteScriptFileTool{source: d.Source, runner: d.Runner})
	r.Register(&InstallPackageTool{installer: d.Installer})
	r.Register(&FindFilesTool{})
	r.Register(&ReadExternalFileTool{maxBytes: d.MaxReadBytes})
	r.Register(&CopyToWorkspaceTool{source: d.Source})
	r.Alias("execute-code", "execute_code")
	return r
}

func schema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func stringListProp(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}
