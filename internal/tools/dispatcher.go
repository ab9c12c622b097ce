package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/rahul/stepforge/internal/governance"
	"github.com/rahul/stepforge/internal/observability"
	"github.com/rahul/stepforge/internal/sandbox"
)

// Outcome is everything a single tool call produced. Content is the
// serialized response handed back to the model.
type Outcome struct {
	Tool      string
	Content   string
	Err       error
	Run       *sandbox.RunResult
	Artifacts []string
}

// Dispatcher routes named tool calls to the registry. It never panics and
// never returns a Go error: every failure becomes an error-shaped response.
type Dispatcher struct {
	registry  *Registry
	policy    governance.PolicyEngine
	sessionID string

	// Logger records policy decisions. Optional.
	Logger *observability.Logger
}

func NewDispatcher(registry *Registry, policy governance.PolicyEngine) *Dispatcher {
	return &Dispatcher{registry: registry, policy: policy}
}

// WithSession returns a dispatcher that tags policy requests with sessionID.
func (d *Dispatcher) WithSession(sessionID string) *Dispatcher {
	cp := *d
	cp.sessionID = sessionID
	return &cp
}

// Registry exposes the routed tools so callers can advertise them.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs the tool and returns the serialized response.
func (d *Dispatcher) Dispatch(ctx context.Context, name, args string) string {
	return d.Call(ctx, name, args).Content
}

// Call runs the tool and returns the full outcome.
func (d *Dispatcher) Call(ctx context.Context, name, args string) (out Outcome) {
	out.Tool = name
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[tools] %s panicked: %v", name, r)
			out = errorOutcome(name, fmt.Errorf("tool %s panicked: %v", name, r))
		}
	}()

	tool := d.registry.Get(name)
	if tool == nil {
		return errorOutcome(name, fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}
	// Policy and results use the canonical name so an alias cannot slip
	// past a deny rule.
	name = tool.Name()
	out.Tool = name

	if d.policy != nil {
		res, err := d.policy.Evaluate(ctx, governance.Request{Tool: name, Arguments: args, SessionID: d.sessionID})
		if err != nil {
			return errorOutcome(name, fmt.Errorf("policy check failed: %w", err))
		}
		if res.Effect == governance.EffectDeny {
			log.Printf("[tools] %s denied: %s", name, res.Reason)
			d.Logger.LogPolicy(d.sessionID, name, string(res.Effect), res.Reason)
			return errorOutcome(name, fmt.Errorf("denied by policy: %s", res.Reason))
		}
	}

	result, err := tool.Execute(ctx, json.RawMessage(args))
	if err != nil {
		o := errorOutcome(name, err)
		o.Run = result.Run
		return o
	}

	body, err := json.Marshal(map[string]any{
		"ok":     true,
		"tool":   name,
		"result": result.Value,
	})
	if err != nil {
		return errorOutcome(name, fmt.Errorf("failed to encode result: %w", err))
	}
	return Outcome{
		Tool:      name,
		Content:   string(body),
		Run:       result.Run,
		Artifacts: result.Artifacts,
	}
}

func errorOutcome(name string, err error) Outcome {
	body, _ := json.Marshal(map[string]any{
		"ok":    false,
		"tool":  name,
		"error": err.Error(),
	})
	return Outcome{Tool: name, Content: string(body), Err: err}
}
