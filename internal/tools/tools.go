// Package tools provides the tool registry, dispatch, and observation
// formatting for the agent loop. Tools are registered data-driven:
// each Definition carries its schema, executor, and formatter tier, so
// new tools are added by registration rather than by modifying the
// dispatcher.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stride-ai/stride/internal/session"
)

// SessionContext is what a tool execution sees of its session. Tools
// must not reach past it: displayable registration goes through the
// registrar so the ID mapping stays session-scoped.
type SessionContext struct {
	Session *session.Session
	// Registrar assigns session-scoped IDs to displayable objects.
	Registrar DisplayableRegistrar
}

// DisplayableRegistrar registers tool-produced objects under
// session-scoped IDs. Implemented by session.Store.
type DisplayableRegistrar interface {
	RegisterDisplayable(ctx context.Context, sess *session.Session, obj any) (string, error)
}

// Result is what a tool execution produces.
type Result struct {
	// Text is the full-data rendering used by TierFull tools.
	Text string
	// Data is the structured payload, stored raw on the observation.
	Data any
	// Displayable, when non-nil, is registered under a session-scoped
	// ID before the observation is formatted. The assigned ID is
	// written back to DisplayableID.
	Displayable   any
	DisplayableID string
}

// ExecuteFunc runs a tool. Domain code supplies it; partial failures
// only need to surface success/failure plus a message, not rollback.
type ExecuteFunc func(ctx context.Context, args map[string]any, sc *SessionContext) (Result, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema style map sent to the model.
	Parameters map[string]any
	// Tier selects how the observation is rendered (see format.go).
	Tier Tier
	// Confirm is the fixed observation string for TierConfirm tools.
	Confirm string
	// Summarize renders the one-line delta for TierSummary tools.
	Summarize func(Result) string
	// Terminal marks the idle tool: dispatching it ends the turn and
	// no observation is appended.
	Terminal bool
	Execute  ExecuteFunc
}

// Call is one tool invocation parsed from a model response.
type Call struct {
	Name string
	Args map[string]any
}

// Outcome is the dispatch result fed back into the event log.
type Outcome struct {
	Tool      string
	Formatted string
	Raw       json.RawMessage
	Success   bool
	// Err holds the recoverable failure rendered into the observation.
	Err error
	// DisplayableID is set when the tool registered a displayable.
	DisplayableID string
}

// Registry holds available tools.
type Registry struct {
	defs        map[string]*Definition
	order       []string
	execTimeout time.Duration
}

// NewRegistry creates a tool registry. execTimeout bounds each tool
// execution; zero means 30 seconds.
func NewRegistry(execTimeout time.Duration) *Registry {
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	return &Registry{
		defs:        make(map[string]*Definition),
		execTimeout: execTimeout,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(d *Definition) {
	if _, ok := r.defs[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.defs[d.Name] = d
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Definition {
	return r.defs[name]
}

// List returns tool declarations for the LLM, in registration order.
func (r *Registry) List() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		d := r.defs[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}

// Dispatch validates and executes one tool call. Tool failures are
// recoverable conversation events: they come back as an unsuccessful
// Outcome, never as a returned error. The returned error is reserved
// for infrastructure faults (displayable persistence).
func (r *Registry) Dispatch(ctx context.Context, call Call, sc *SessionContext) (Outcome, error) {
	d := r.defs[call.Name]
	if d == nil {
		err := &ErrUnknownTool{ToolName: call.Name}
		return Outcome{Tool: call.Name, Formatted: err.Error(), Err: err}, nil
	}

	if err := validateArgs(d, call.Args); err != nil {
		return Outcome{Tool: call.Name, Formatted: err.Error(), Err: err}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	res, err := d.Execute(execCtx, call.Args, sc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Outcome{}, fmt.Errorf("tool %s timed out after %s: %w", call.Name, r.execTimeout, err)
		}
		return Outcome{Tool: call.Name, Formatted: "tool failed: " + err.Error(), Err: err}, nil
	}

	if res.Displayable != nil && sc != nil && sc.Registrar != nil {
		id, regErr := sc.Registrar.RegisterDisplayable(ctx, sc.Session, res.Displayable)
		if regErr != nil {
			return Outcome{}, fmt.Errorf("register displayable for %s: %w", call.Name, regErr)
		}
		res.DisplayableID = id
	}

	var raw json.RawMessage
	if res.Data != nil {
		if b, err := json.Marshal(res.Data); err == nil {
			raw = b
		}
	}

	formatted := FormatObservation(d, res)
	// The registered ID is the model's only handle on the object: later
	// modification calls and attachment references must quote it, so it
	// goes into the observation regardless of tier.
	if res.DisplayableID != "" {
		formatted += "\n(id: " + res.DisplayableID + ")"
	}

	return Outcome{
		Tool:          call.Name,
		Formatted:     formatted,
		Raw:           raw,
		Success:       true,
		DisplayableID: res.DisplayableID,
	}, nil
}

// validateArgs checks args against the tool's JSON-schema style
// parameter map: required properties must be present and declared
// property types must match. Unknown args are tolerated (models add
// stray fields; rejecting them costs iterations for no safety gain).
func validateArgs(d *Definition, args map[string]any) error {
	if d.Parameters == nil {
		return nil
	}
	props, _ := d.Parameters["properties"].(map[string]any)

	if required, ok := d.Parameters["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return &ErrInvalidArguments{ToolName: d.Name, Detail: fmt.Sprintf("missing required argument %q", name)}
			}
		}
	} else if required, ok := d.Parameters["required"].([]any); ok {
		for _, v := range required {
			name, _ := v.(string)
			if _, present := args[name]; name != "" && !present {
				return &ErrInvalidArguments{ToolName: d.Name, Detail: fmt.Sprintf("missing required argument %q", name)}
			}
		}
	}

	for name, value := range args {
		spec, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := spec["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !typeMatches(declared, value) {
			return &ErrInvalidArguments{
				ToolName: d.Name,
				Detail:   fmt.Sprintf("argument %q must be %s", name, declared),
			}
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		f, ok := numberValue(value)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

func isNumber(v any) bool {
	_, ok := numberValue(v)
	return ok
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Names returns registered tool names, sorted. Used for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}
