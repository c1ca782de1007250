// Package flow provides the session engine that drives a conversation
// through its graph.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallFlow/internal/genai"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// EngineState represents the lifecycle state of an engine.
type EngineState string

const (
	// EngineCreated means Start has not been called yet.
	EngineCreated EngineState = "created"
	// EngineRunning means the engine accepts caller input.
	EngineRunning EngineState = "running"
	// EngineTerminating means a grace-delay termination is pending.
	EngineTerminating EngineState = "terminating"
	// EngineEnded means the session is over; the engine is inert.
	EngineEnded EngineState = "ended"
)

// ErrSessionEnded is returned for input arriving after the session ended or
// entered its termination grace period.
var ErrSessionEnded = errors.New("session has ended")

// maxToolRounds bounds tool-call rounds within a single turn.
const maxToolRounds = 8

// TranscriptSink receives the persistable transcript when a session ends.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, sessionID string, messages []models.Message) error
}

// EngineConfig carries the dependencies for a session engine.
type EngineConfig struct {
	SessionID  string
	Graph      *Graph
	Dispatcher *Dispatcher
	Client     genai.ClientInterface
	Speech     SpeechService
	Timer      Timer
	Sink       TranscriptSink              // optional; transcript persistence
	Checks     map[string]PreconditionFunc // optional; named precondition checks
	OnEnd      func()                      // optional; end-of-session signal to the transport
}

// Engine drives one conversation session through its graph. Turn processing
// is strictly serialized: a second concurrent call on the same engine blocks
// until the first turn completes.
type Engine struct {
	sessionID   string
	graph       *Graph
	dispatcher  *Dispatcher
	genaiClient genai.ClientInterface
	speech      SpeechService
	timer       Timer
	sink        TranscriptSink
	onEnd       func()
	actions     *ActionExecutor
	convo       *ConversationContext

	turnMu sync.Mutex // serializes Start and ProcessUserMessage

	stateMu     sync.Mutex
	state       EngineState
	currentNode *Node
	graceTimer  string
	cancelTurn  context.CancelFunc
}

// NewEngine creates a session engine. It verifies that every tool declared
// in the graph has a registered handler and that every referenced
// precondition check is provided.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("genai client is required")
	}
	if cfg.Timer == nil {
		return nil, fmt.Errorf("timer is required")
	}

	for _, node := range cfg.Graph.nodes {
		for _, tool := range node.Tools {
			if !cfg.Dispatcher.Has(tool.Name) {
				return nil, fmt.Errorf("no handler registered for tool %s on node %s", tool.Name, node.ID)
			}
		}
		for _, action := range append(append([]Action{}, node.PreActions...), node.PostActions...) {
			if action.Kind == ActionPreconditionCheck {
				if _, exists := cfg.Checks[action.Check]; !exists {
					return nil, fmt.Errorf("no precondition check registered for %s on node %s", action.Check, node.ID)
				}
			}
		}
	}

	e := &Engine{
		sessionID:   cfg.SessionID,
		graph:       cfg.Graph,
		dispatcher:  cfg.Dispatcher,
		genaiClient: cfg.Client,
		speech:      cfg.Speech,
		timer:       cfg.Timer,
		sink:        cfg.Sink,
		onEnd:       cfg.OnEnd,
		convo:       NewConversationContext(),
		state:       EngineCreated,
	}
	e.actions = NewActionExecutor(cfg.Speech, e.scheduleTermination)
	for name, fn := range cfg.Checks {
		if err := e.actions.RegisterCheck(name, fn); err != nil {
			return nil, fmt.Errorf("failed to register precondition check: %w", err)
		}
	}

	slog.Debug("flow.NewEngine: engine created", "sessionID", cfg.SessionID, "initialNode", cfg.Graph.initial)
	return e, nil
}

// State returns the engine lifecycle state.
func (e *Engine) State() EngineState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Context returns the engine's conversation context.
func (e *Engine) Context() *ConversationContext {
	return e.convo
}

// CurrentNodeID returns the ID of the active node.
func (e *Engine) CurrentNodeID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.currentNode == nil {
		return ""
	}
	return e.currentNode.ID
}

// Start enters the graph's initial node and produces the opening assistant
// utterance.
func (e *Engine) Start(ctx context.Context) (string, error) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.stateMu.Lock()
	if e.state != EngineCreated {
		e.stateMu.Unlock()
		return "", fmt.Errorf("engine already started")
	}
	e.state = EngineRunning
	e.stateMu.Unlock()

	ctx, release := e.beginTurn(ctx)
	defer release()

	slog.Info("Engine.Start: starting session", "sessionID", e.sessionID)
	if err := e.enterNode(ctx, e.graph.InitialNode(), nil); err != nil {
		return "", fmt.Errorf("failed to enter initial node: %w", err)
	}

	return e.completeTurn(ctx)
}

// ProcessUserMessage handles one caller utterance and returns the assistant
// reply. Returns ErrSessionEnded once the session is terminating or over.
func (e *Engine) ProcessUserMessage(ctx context.Context, text string) (string, error) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	if e.State() != EngineRunning {
		slog.Debug("Engine.ProcessUserMessage: input after session end", "sessionID", e.sessionID)
		return "", ErrSessionEnded
	}

	ctx, release := e.beginTurn(ctx)
	defer release()

	slog.Debug("Engine.ProcessUserMessage: processing turn", "sessionID", e.sessionID, "node", e.CurrentNodeID(), "length", len(text))
	e.convo.Append(models.Message{Role: models.RoleUser, Content: text})

	return e.completeTurn(ctx)
}

// completeTurn runs the completion loop, records and speaks the assistant
// reply, and runs terminal post-actions if the turn landed on a terminal node.
func (e *Engine) completeTurn(ctx context.Context) (string, error) {
	content, err := e.runCompletionLoop(ctx)
	if err != nil {
		if e.State() == EngineEnded {
			return "", ErrSessionEnded
		}
		return "", err
	}

	e.convo.Append(models.Message{Role: models.RoleAssistant, Content: content})
	if e.speech != nil {
		if speakErr := e.speech.Speak(ctx, e.sessionID, content); speakErr != nil {
			slog.Error("Engine.completeTurn: failed to speak reply", "sessionID", e.sessionID, "error", speakErr)
		}
	}

	// Terminal post-actions run only after the final utterance is flushed.
	e.stateMu.Lock()
	node := e.currentNode
	e.stateMu.Unlock()
	if node != nil && node.Terminal() {
		if actErr := e.actions.Execute(ctx, e.sessionID, node.PostActions); actErr != nil {
			slog.Error("Engine.completeTurn: post-actions failed", "sessionID", e.sessionID, "node", node.ID, "error", actErr)
		}
	}

	return content, nil
}

// runCompletionLoop calls the model until it produces a user-facing reply,
// executing tool calls and following transitions along the way.
func (e *Engine) runCompletionLoop(ctx context.Context) (string, error) {
	messages := e.buildMessages()

	for round := 1; round <= maxToolRounds; round++ {
		activeTools := e.convo.ActiveTools()
		tools := ToolParams(activeTools)

		if len(tools) == 0 {
			// Terminal node: plain generation, no tools to offer.
			content, err := e.genaiClient.GenerateWithMessages(ctx, messages)
			if err != nil {
				return "", fmt.Errorf("generation failed: %w", err)
			}
			if content == "" {
				content = "Thank you. Goodbye."
			}
			return content, nil
		}

		resp, err := e.genaiClient.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("generation with tools failed: %w", err)
		}

		slog.Debug("Engine.runCompletionLoop: completion received",
			"sessionID", e.sessionID, "round", round,
			"hasContent", resp.Content != "", "toolCallCount", len(resp.ToolCalls))

		if len(resp.ToolCalls) > 0 {
			var transitioned bool
			messages, transitioned = e.executeToolCalls(ctx, resp, messages)
			if transitioned {
				// Resubmit so the model speaks from the new node.
				continue
			}
			if resp.Content != "" {
				return resp.Content, nil
			}
			continue
		}

		if resp.Content != "" {
			return resp.Content, nil
		}

		slog.Warn("Engine.runCompletionLoop: empty completion", "sessionID", e.sessionID, "round", round)
		return "Could you repeat that, please?", nil
	}

	slog.Warn("Engine.runCompletionLoop: hit maximum tool rounds", "sessionID", e.sessionID, "maxRounds", maxToolRounds)
	return "One moment, please.", nil
}

// executeToolCalls dispatches each requested tool call and threads the
// results into both the turn messages and the durable transcript. On a
// successful transition the target node's tool set is applied before the
// handler result enters the transcript.
func (e *Engine) executeToolCalls(ctx context.Context, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) ([]openai.ChatCompletionMessageParamUnion, bool) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, call := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Function.Name,
				Arguments: string(call.Function.Arguments),
			},
		})
	}
	assistantMessage := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMessage})

	type callResult struct {
		call   genai.ToolCall
		result DispatchResult
		target *Node
	}

	// Dispatch first. A successful transition swaps the active tool set
	// immediately, so later calls in the same round see the new set.
	results := make([]callResult, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		slog.Info("Engine.executeToolCalls: dispatching tool call",
			"sessionID", e.sessionID, "tool", call.Function.Name, "toolCallID", call.ID)

		result := e.dispatcher.Dispatch(ctx, call, e.convo.ActiveTools())
		cr := callResult{call: call, result: result}

		if result.Outcome.Success && result.Schema != nil && result.Schema.Transition != "" {
			target, exists := e.graph.Node(result.Schema.Transition)
			if !exists {
				// Graph validation makes this unreachable.
				slog.Error("Engine.executeToolCalls: transition target missing",
					"sessionID", e.sessionID, "tool", call.Function.Name, "target", result.Schema.Transition)
			} else {
				e.convo.SetTools(target.Tools)
				cr.target = target
				slog.Info("Engine.executeToolCalls: transition",
					"sessionID", e.sessionID, "from", e.CurrentNodeID(), "to", target.ID, "tool", call.Function.Name)
			}
		}
		results = append(results, cr)
	}

	// Tool results follow the assistant message as a block, then corrective
	// and node-entry messages.
	for _, cr := range results {
		response := cr.result.Outcome.Response
		if response == "" {
			response = "Done."
		}
		messages = append(messages, openai.ToolMessage(response, cr.call.ID))
		e.convo.Append(models.Message{Role: models.RoleTool, Content: response, ToolCallID: cr.call.ID})
	}

	transitioned := false
	for _, cr := range results {
		if !cr.result.Outcome.Success {
			corrective := "The previous tool call did not succeed. Explain the problem to the caller and continue with the current step."
			messages = append(messages, openai.SystemMessage(corrective))
			e.convo.Append(models.Message{Role: models.RoleSystem, Content: corrective})
			continue
		}
		if cr.target != nil {
			var err error
			messages, err = e.enterNodeMessages(ctx, cr.target, messages)
			if err != nil {
				slog.Error("Engine.executeToolCalls: node entry failed",
					"sessionID", e.sessionID, "node", cr.target.ID, "error", err)
			}
			transitioned = true
		}
	}

	return messages, transitioned
}

// enterNode applies a node's tool set and entry messages and runs its
// pre-actions. Used for the initial node, where no turn messages exist yet.
func (e *Engine) enterNode(ctx context.Context, node *Node, messages []openai.ChatCompletionMessageParamUnion) error {
	e.convo.SetTools(node.Tools)
	_, err := e.enterNodeMessages(ctx, node, messages)
	return err
}

// enterNodeMessages appends a node's task messages to the transcript and the
// turn messages, runs its pre-actions, and marks it current.
func (e *Engine) enterNodeMessages(ctx context.Context, node *Node, messages []openai.ChatCompletionMessageParamUnion) ([]openai.ChatCompletionMessageParamUnion, error) {
	for _, task := range node.TaskMessages {
		e.convo.Append(models.Message{Role: models.RoleSystem, Content: task})
		if messages != nil {
			messages = append(messages, openai.SystemMessage(task))
		}
	}
	for _, task := range node.EphemeralTaskMessages {
		e.convo.Append(models.Message{Role: models.RoleSystem, Content: task, Ephemeral: true})
		if messages != nil {
			messages = append(messages, openai.SystemMessage(task))
		}
	}

	if err := e.actions.Execute(ctx, e.sessionID, node.PreActions); err != nil {
		note := fmt.Sprintf("A system check failed: %s. Apologize to the caller and continue.", err.Error())
		e.convo.Append(models.Message{Role: models.RoleSystem, Content: note})
		if messages != nil {
			messages = append(messages, openai.SystemMessage(note))
		}
	}

	e.stateMu.Lock()
	e.currentNode = node
	e.stateMu.Unlock()

	slog.Debug("Engine.enterNodeMessages: node entered", "sessionID", e.sessionID, "node", node.ID, "toolCount", len(node.Tools))
	return messages, nil
}

// buildMessages renders the persona messages and the transcript into the
// OpenAI message format. Durable tool results from earlier turns are
// re-rendered as system notes since their tool-call threading does not
// survive across turns.
func (e *Engine) buildMessages() []openai.ChatCompletionMessageParamUnion {
	transcript, _ := e.convo.Snapshot()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+len(e.graph.roleMessages))
	for _, role := range e.graph.roleMessages {
		messages = append(messages, openai.SystemMessage(role))
	}
	for _, msg := range transcript {
		switch msg.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.RoleTool:
			messages = append(messages, openai.SystemMessage(fmt.Sprintf("Earlier tool result: %s", msg.Content)))
		}
	}
	return messages
}

// beginTurn derives a turn context that is cancelled when the engine is
// cancelled externally.
func (e *Engine) beginTurn(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	e.stateMu.Lock()
	e.cancelTurn = cancel
	e.stateMu.Unlock()

	release := func() {
		e.stateMu.Lock()
		e.cancelTurn = nil
		e.stateMu.Unlock()
		cancel()
	}
	return ctx, release
}

// scheduleTermination schedules session end after the grace delay. Invoked
// by the terminate action; the engine owns the pending timer and cancels it
// if the session is torn down through another path first.
func (e *Engine) scheduleTermination(grace time.Duration) {
	e.stateMu.Lock()
	if e.state == EngineEnded {
		e.stateMu.Unlock()
		return
	}
	e.state = EngineTerminating
	e.stateMu.Unlock()

	id, err := e.timer.ScheduleAfter(grace, e.finish)
	if err != nil {
		slog.Error("Engine.scheduleTermination: failed to schedule grace timer", "sessionID", e.sessionID, "error", err)
		e.finish()
		return
	}

	e.stateMu.Lock()
	e.graceTimer = id
	e.stateMu.Unlock()
	slog.Info("Engine.scheduleTermination: termination scheduled", "sessionID", e.sessionID, "grace", grace)
}

// finish completes termination: persists the transcript and signals the
// transport. Safe to call more than once.
func (e *Engine) finish() {
	e.stateMu.Lock()
	if e.state == EngineEnded {
		e.stateMu.Unlock()
		return
	}
	e.state = EngineEnded
	e.graceTimer = ""
	onEnd := e.onEnd
	e.stateMu.Unlock()

	e.persistTranscript(context.Background())
	slog.Info("Engine.finish: session ended", "sessionID", e.sessionID)
	if onEnd != nil {
		onEnd()
	}
}

// Cancel tears the session down from outside: the pending grace timer is
// stopped, any in-flight turn is abandoned, and the transcript is persisted
// best-effort.
func (e *Engine) Cancel(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state == EngineEnded {
		e.stateMu.Unlock()
		return nil
	}
	if e.graceTimer != "" {
		if err := e.timer.Cancel(e.graceTimer); err != nil {
			slog.Warn("Engine.Cancel: failed to cancel grace timer", "sessionID", e.sessionID, "error", err)
		}
		e.graceTimer = ""
	}
	if e.cancelTurn != nil {
		e.cancelTurn()
	}
	e.state = EngineEnded
	onEnd := e.onEnd
	e.stateMu.Unlock()

	e.persistTranscript(ctx)
	slog.Info("Engine.Cancel: session cancelled", "sessionID", e.sessionID)
	if onEnd != nil {
		onEnd()
	}
	return nil
}

// persistTranscript saves the non-ephemeral transcript. Failures are logged,
// never propagated.
func (e *Engine) persistTranscript(ctx context.Context) {
	if e.sink == nil {
		return
	}
	transcript := e.convo.Transcript()
	if err := e.sink.SaveTranscript(ctx, e.sessionID, transcript); err != nil {
		slog.Error("Engine.persistTranscript: failed to save transcript", "sessionID", e.sessionID, "error", err)
		return
	}
	slog.Debug("Engine.persistTranscript: transcript saved", "sessionID", e.sessionID, "messageCount", len(transcript))
}
