// Package tools holds the versioned tool registry: descriptor registration,
// input validation, and dispatch by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stratumlabs/stratum/pkg/models"
)

// Handler executes one tool call and returns its textual result.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// ToolError classifies a failed execution so the agent loop can synthesize
// the right result turn.
type ToolError struct {
	Tool string
	Kind models.ResultKind
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

type registered struct {
	descriptor models.ToolDescriptor
	handler    Handler
	schema     *jsonschema.Schema
}

// Registry maps tool names to descriptors and handlers. It is stateless
// beyond metadata; side effects belong to the tools themselves.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, compiling its input schema. Re-registering a name
// replaces the previous entry.
func (r *Registry) Register(desc models.ToolDescriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tool descriptor missing name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: nil handler", desc.Name)
	}

	var schema *jsonschema.Schema
	if len(desc.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(desc.Name+".input.json", string(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %s: input schema: %w", desc.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = &registered{descriptor: desc, handler: handler, schema: schema}
	return nil
}

// Resolve returns the descriptor for a name.
func (r *Registry) Resolve(name string) (*models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	d := reg.descriptor
	return &d, true
}

// Descriptors returns every registered descriptor sorted by name, so the
// advertised list is stable across calls.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates the input against the tool's schema and runs its handler.
// Failures return a *ToolError carrying the result kind.
func (r *Registry) Execute(ctx context.Context, call *models.ToolCall) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", &ToolError{Tool: call.Name, Kind: models.ResultUnknownTool, Err: fmt.Errorf("no such tool")}
	}

	if reg.schema != nil {
		var decoded any
		if err := json.Unmarshal(call.Input, &decoded); err != nil {
			return "", &ToolError{Tool: call.Name, Kind: models.ResultValidation, Err: err}
		}
		if err := reg.schema.Validate(decoded); err != nil {
			return "", &ToolError{Tool: call.Name, Kind: models.ResultValidation, Err: err}
		}
	}

	out, err := reg.handler(ctx, call.Input)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &ToolError{Tool: call.Name, Kind: models.ResultTimeout, Err: err}
		}
		if ctx.Err() == context.Canceled {
			return "", &ToolError{Tool: call.Name, Kind: models.ResultCancelled, Err: err}
		}
		return "", &ToolError{Tool: call.Name, Kind: models.ResultError, Err: err}
	}
	return out, nil
}
