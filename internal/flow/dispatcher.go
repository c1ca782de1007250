package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CallFlow/internal/genai"
)

// HandlerOutcome is the structured result of a tool handler invocation.
// Success controls whether the tool's declared transition (if any) is taken;
// Response is fed back to the model as the tool result.
type HandlerOutcome struct {
	Success  bool
	Response string
}

// ToolHandler executes a tool invocation. Arguments arrive as the raw JSON
// the model produced; handlers parse and validate before acting.
type ToolHandler func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error)

// DispatchResult is what the engine receives for each dispatched tool call:
// the handler outcome plus the schema of the invoked tool (nil when the tool
// was rejected as unavailable).
type DispatchResult struct {
	Outcome HandlerOutcome
	Schema  *ToolSchema
}

// Dispatcher routes model tool calls to registered handlers. Calls naming
// tools outside the active set are rejected without invoking anything and
// without touching conversation state.
type Dispatcher struct {
	handlers map[string]ToolHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]ToolHandler)}
}

// Register binds a handler to a tool name. Registering the same name twice
// is an error.
func (d *Dispatcher) Register(name string, handler ToolHandler) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for tool %s cannot be nil", name)
	}
	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("handler already registered for tool %s", name)
	}
	d.handlers[name] = handler
	return nil
}

// Has reports whether a handler is registered for the given tool name.
func (d *Dispatcher) Has(name string) bool {
	_, exists := d.handlers[name]
	return exists
}

// Dispatch executes a single tool call against the active tool set. All
// failure modes (unavailable tool, malformed arguments, handler error,
// handler panic) are converted into failed outcomes so that a misbehaving
// tool can never take down the session.
func (d *Dispatcher) Dispatch(ctx context.Context, call genai.ToolCall, activeTools []ToolSchema) DispatchResult {
	name := call.Function.Name

	var schema *ToolSchema
	for i := range activeTools {
		if activeTools[i].Name == name {
			schema = &activeTools[i]
			break
		}
	}
	if schema == nil {
		slog.Warn("Dispatcher.Dispatch: tool not in active set", "tool", name, "toolCallID", call.ID)
		return DispatchResult{
			Outcome: HandlerOutcome{
				Success:  false,
				Response: fmt.Sprintf("The tool %s is not available right now.", name),
			},
		}
	}

	handler, exists := d.handlers[name]
	if !exists {
		// Graph validation guarantees this at construction; defend anyway.
		slog.Error("Dispatcher.Dispatch: no handler registered", "tool", name)
		return DispatchResult{
			Outcome: HandlerOutcome{
				Success:  false,
				Response: fmt.Sprintf("The tool %s could not be executed.", name),
			},
			Schema: schema,
		}
	}

	outcome := d.invoke(ctx, name, handler, call.Function.Arguments)
	return DispatchResult{Outcome: outcome, Schema: schema}
}

// invoke runs a handler with panic recovery at the dispatch boundary.
func (d *Dispatcher) invoke(ctx context.Context, name string, handler ToolHandler, args json.RawMessage) (outcome HandlerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.invoke: handler panicked", "tool", name, "panic", r)
			outcome = HandlerOutcome{
				Success:  false,
				Response: fmt.Sprintf("The tool %s failed unexpectedly.", name),
			}
		}
	}()

	result, err := handler(ctx, args)
	if err != nil {
		slog.Error("Dispatcher.invoke: handler returned error", "tool", name, "error", err)
		return HandlerOutcome{
			Success:  false,
			Response: fmt.Sprintf("The tool %s failed: %s", name, err.Error()),
		}
	}
	return result
}
