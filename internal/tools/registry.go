// Package tools implements the Tool Registry and Executor: the component
// that validates tool arguments against their declared JSON Schema,
// dispatches calls to registered handlers respecting each tool's execution
// policy, and enforces per-tool timeouts.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Handler implements a tool's behaviour. args is the decoded JSON
// arguments object the model supplied, validated against the tool's
// declared schema unless the Executor was built with
// WithValidateArguments(false). The returned string becomes the ToolCallResult
// content surfaced back to the LLM. call carries turn-scoped identifiers
// for logging or multi-tenant lookups.
type Handler func(ctx context.Context, call CallInfo, args map[string]any) (string, error)

// CallInfo identifies the turn and call a Handler invocation belongs to.
type CallInfo struct {
	SessionID string
	TurnID    string
	CallID    string
	Name      string
}

// registeredTool bundles a tool's static definition, handler, and compiled
// schema.
type registeredTool struct {
	def     types.ToolDefinition
	handler Handler
	schema  *jsonschema.Schema
}

// ErrAlreadyRegistered is returned by Register when a tool name is already
// taken.
var ErrAlreadyRegistered = fmt.Errorf("tools: name already registered")

// ErrNotFound is returned when a requested tool name has no registration.
var ErrNotFound = fmt.Errorf("tools: tool not found")

// Registry holds the set of tools available to the orchestrator and
// playbook engine. Once built, a Registry is expected to be treated as
// immutable for the life of the process: register every tool at startup,
// then only read from it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register compiles def.Parameters as a JSON Schema and adds the tool
// under def.Name. Returns ErrAlreadyRegistered if the name is taken, or a
// compile error if Parameters is not a valid schema.
func (r *Registry) Register(def types.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: tool definition missing Name")
	}
	if handler == nil {
		return fmt.Errorf("tools: tool %q missing handler", def.Name)
	}
	schema, err := compileParameterSchema(def.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, handler: handler, schema: schema}
	return nil
}

// compileParameterSchema compiles params (a JSON-Schema-shaped map) into a
// reusable *jsonschema.Schema. A nil/empty params map is treated as "any
// object accepted" and compiles a trivial permissive schema.
func compileParameterSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".schema.json"
	if err := compiler.AddResource(url, mustDecode(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

func mustDecode(raw []byte) any {
	var v any
	// raw is always a re-marshalled map[string]any so this cannot fail.
	_ = json.Unmarshal(raw, &v)
	return v
}

// lookupHandler returns the internal registration for name, or nil if
// unregistered. Unexported: only the Executor in this package needs the
// handler itself.
func (r *Registry) lookupHandler(name string) *registeredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Lookup returns the tool definition registered under name.
func (r *Registry) Lookup(name string) (types.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return types.ToolDefinition{}, false
	}
	return t.def, true
}

// List returns every registered tool's definition, filtered to those whose
// EstimatedDurationMs fits within tier's latency budget. Order is
// unspecified; callers that need a stable order should sort the result.
func (r *Registry) List(tier types.BudgetTier) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := tier.MaxLatencyMs()
	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if t.def.EstimatedDurationMs <= max {
			out = append(out, t.def)
		}
	}
	return out
}

// ListForStage returns the registered definitions for the given tool
// names, skipping (without error) any name that is not registered — stage
// configuration may reference a name that was retired; the playbook
// construction validator is responsible for catching that earlier.
func (r *Registry) ListForStage(names []string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, t.def)
		}
	}
	return out
}

// Validate checks argsJSON (a raw JSON arguments object) against the named
// tool's compiled schema, returning the decoded arguments map on success.
func (r *Registry) Validate(name, argsJSON string) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	decoded, err := decodeArguments(name, argsJSON)
	if err != nil {
		return nil, err
	}
	if err := t.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("tools: arguments for %q failed validation: %w", name, err)
	}
	m, _ := decoded.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Decode parses argsJSON into an arguments map without schema validation,
// used by the Executor when ValidateArguments is disabled. It still checks
// that name is a registered tool so an unknown call is reported the same
// way as with validation enabled.
func (r *Registry) Decode(name, argsJSON string) (map[string]any, error) {
	r.mu.RLock()
	_, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	decoded, err := decodeArguments(name, argsJSON)
	if err != nil {
		return nil, err
	}
	m, _ := decoded.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func decodeArguments(name, argsJSON string) (any, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
		return nil, fmt.Errorf("tools: invalid JSON arguments for %q: %w", name, err)
	}
	return decoded, nil
}
