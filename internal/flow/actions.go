package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ActionKind enumerates the side effects a node can declare.
type ActionKind string

const (
	// ActionAnnounce speaks a fixed utterance through the speech boundary.
	ActionAnnounce ActionKind = "announce"
	// ActionPreconditionCheck runs a named readiness check before the node's
	// first model submission.
	ActionPreconditionCheck ActionKind = "precondition_check"
	// ActionTerminate ends the session after a grace delay.
	ActionTerminate ActionKind = "terminate"
)

// Action is one declared node side effect. The meaning of the fields depends
// on Kind: Text for announce, Check for precondition checks, GraceDelay for
// terminate.
type Action struct {
	Kind       ActionKind
	Text       string
	Check      string
	GraceDelay time.Duration
}

// SpeechService is the outbound speech boundary. Speak returns once the
// utterance has been handed to the transport for the session.
type SpeechService interface {
	Speak(ctx context.Context, sessionID, text string) error
}

// PreconditionFunc is a named readiness check. A non-nil error marks the
// precondition as unsatisfied; the session continues but the failure is
// surfaced to the model.
type PreconditionFunc func(ctx context.Context) error

// ActionExecutor runs node actions in declaration order. Termination is
// delegated to the owning engine through the terminate callback so the
// executor never holds session lifecycle state itself.
type ActionExecutor struct {
	speech    SpeechService
	checks    map[string]PreconditionFunc
	terminate func(grace time.Duration)
}

// NewActionExecutor creates an action executor. The terminate callback is
// invoked for ActionTerminate with the action's grace delay.
func NewActionExecutor(speech SpeechService, terminate func(grace time.Duration)) *ActionExecutor {
	return &ActionExecutor{
		speech:    speech,
		checks:    make(map[string]PreconditionFunc),
		terminate: terminate,
	}
}

// RegisterCheck binds a precondition check by name.
func (ae *ActionExecutor) RegisterCheck(name string, fn PreconditionFunc) error {
	if name == "" {
		return fmt.Errorf("check name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("check %s cannot be nil", name)
	}
	if _, exists := ae.checks[name]; exists {
		return fmt.Errorf("check already registered: %s", name)
	}
	ae.checks[name] = fn
	return nil
}

// Execute runs the given actions in order. Announce failures and failed
// precondition checks are logged and reported back; terminate actions hand
// off to the engine and never fail here.
func (ae *ActionExecutor) Execute(ctx context.Context, sessionID string, actions []Action) error {
	for _, action := range actions {
		switch action.Kind {
		case ActionAnnounce:
			if ae.speech == nil {
				slog.Warn("ActionExecutor.Execute: no speech service for announce", "sessionID", sessionID)
				continue
			}
			if err := ae.speech.Speak(ctx, sessionID, action.Text); err != nil {
				return fmt.Errorf("announce failed: %w", err)
			}
			slog.Debug("ActionExecutor.Execute: announced", "sessionID", sessionID, "length", len(action.Text))

		case ActionPreconditionCheck:
			fn, exists := ae.checks[action.Check]
			if !exists {
				slog.Warn("ActionExecutor.Execute: unknown precondition check", "sessionID", sessionID, "check", action.Check)
				continue
			}
			if err := fn(ctx); err != nil {
				slog.Warn("ActionExecutor.Execute: precondition check failed", "sessionID", sessionID, "check", action.Check, "error", err)
				return fmt.Errorf("precondition %s failed: %w", action.Check, err)
			}
			slog.Debug("ActionExecutor.Execute: precondition satisfied", "sessionID", sessionID, "check", action.Check)

		case ActionTerminate:
			if ae.terminate == nil {
				slog.Error("ActionExecutor.Execute: no terminate callback configured", "sessionID", sessionID)
				continue
			}
			slog.Info("ActionExecutor.Execute: scheduling termination", "sessionID", sessionID, "grace", action.GraceDelay)
			ae.terminate(action.GraceDelay)

		default:
			slog.Warn("ActionExecutor.Execute: unknown action kind", "sessionID", sessionID, "kind", action.Kind)
		}
	}
	return nil
}
