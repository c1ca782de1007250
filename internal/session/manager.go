// Package session manages the lifecycle of conversation sessions: bootstrap,
// turn routing, status, and termination.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallFlow/internal/flow"
	"github.com/BTreeMap/CallFlow/internal/genai"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/util"
)

// Builder constructs a fresh flow definition for one session. Definitions
// cannot be shared across sessions because handlers close over per-session
// state.
type Builder func() (*flow.Definition, error)

// defaultRoomBaseURL is used when no media-room base URL is configured.
const defaultRoomBaseURL = "https://rooms.callflow.local"

// activeSession tracks one running engine and its attached infrastructure.
type activeSession struct {
	id     string
	engine *flow.Engine
	timer  *flow.SimpleTimer
	relay  *SpeechRelay
}

// Manager owns all sessions in the process: it maps session types to flow
// builders, runs one engine per active session, and records sessions and
// transcripts in the store.
type Manager struct {
	store       store.Store
	genaiClient genai.ClientInterface
	roomBaseURL string

	mu       sync.RWMutex
	builders map[string]Builder
	active   map[string]*activeSession
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRoomBaseURL sets the base URL for media-room join credentials.
func WithRoomBaseURL(baseURL string) ManagerOption {
	return func(m *Manager) {
		m.roomBaseURL = baseURL
	}
}

// NewManager creates a session manager.
func NewManager(st store.Store, client genai.ClientInterface, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       st,
		genaiClient: client,
		roomBaseURL: defaultRoomBaseURL,
		builders:    make(map[string]Builder),
		active:      make(map[string]*activeSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterBuilder binds a flow builder to a session type.
func (m *Manager) RegisterBuilder(sessionType string, builder Builder) error {
	if sessionType == "" {
		return fmt.Errorf("session type cannot be empty")
	}
	if builder == nil {
		return fmt.Errorf("builder for session type %s cannot be nil", sessionType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.builders[sessionType]; exists {
		return fmt.Errorf("builder already registered for session type %s", sessionType)
	}
	m.builders[sessionType] = builder
	slog.Debug("Manager.RegisterBuilder: builder registered", "sessionType", sessionType)
	return nil
}

// StartSession bootstraps a new session of the given type: builds the flow,
// persists the session record, starts the engine, and returns join
// credentials for the media transport.
func (m *Manager) StartSession(ctx context.Context, sessionType string) (models.StartSessionResponse, error) {
	m.mu.RLock()
	builder, exists := m.builders[sessionType]
	m.mu.RUnlock()
	if !exists {
		return models.StartSessionResponse{}, fmt.Errorf("%w: %s", models.ErrUnknownSessionType, sessionType)
	}

	definition, err := builder()
	if err != nil {
		return models.StartSessionResponse{}, fmt.Errorf("failed to build %s flow: %w", sessionType, err)
	}

	id := util.GenerateSessionID()
	now := time.Now()
	record := models.Session{
		ID:        id,
		Type:      sessionType,
		Status:    models.SessionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return models.StartSessionResponse{}, fmt.Errorf("failed to persist session: %w", err)
	}

	relay := NewSpeechRelay()
	timer := flow.NewSimpleTimer()
	engine, err := flow.NewEngine(flow.EngineConfig{
		SessionID:  id,
		Graph:      definition.Graph,
		Dispatcher: definition.Dispatcher,
		Client:     m.genaiClient,
		Speech:     relay,
		Timer:      timer,
		Sink:       m.store,
		Checks:     definition.Checks,
		OnEnd: func() {
			m.finishSession(id)
			relay.SignalEnd()
		},
	})
	if err != nil {
		return models.StartSessionResponse{}, fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.active[id] = &activeSession{id: id, engine: engine, timer: timer, relay: relay}
	m.mu.Unlock()

	if _, err := engine.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		timer.Stop()
		if updateErr := m.store.UpdateSessionStatus(ctx, id, models.SessionStatusFinished); updateErr != nil {
			slog.Error("Manager.StartSession: failed to mark failed session finished", "sessionID", id, "error", updateErr)
		}
		return models.StartSessionResponse{}, fmt.Errorf("failed to start session: %w", err)
	}

	slog.Info("Manager.StartSession: session started", "sessionID", id, "sessionType", sessionType)
	return models.StartSessionResponse{
		SessionID: id,
		JoinCredentials: models.JoinCredentials{
			RoomURL: fmt.Sprintf("%s/%s", m.roomBaseURL, id),
			Token:   util.GenerateJoinToken(),
		},
	}, nil
}

// Status reports the lifecycle state of a session.
func (m *Manager) Status(ctx context.Context, id string) (models.SessionStatus, error) {
	m.mu.RLock()
	_, running := m.active[id]
	m.mu.RUnlock()
	if running {
		return models.SessionStatusRunning, nil
	}

	record, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// ProcessMessage routes one caller utterance to the session's engine and
// returns the assistant reply.
func (m *Manager) ProcessMessage(ctx context.Context, id, text string) (string, error) {
	m.mu.RLock()
	session, exists := m.active[id]
	m.mu.RUnlock()
	if !exists {
		return "", store.ErrSessionNotFound
	}
	return session.engine.ProcessUserMessage(ctx, text)
}

// Subscribe attaches a transport to the session's speech stream.
func (m *Manager) Subscribe(id string) (<-chan SpeechEvent, func(), error) {
	m.mu.RLock()
	session, exists := m.active[id]
	m.mu.RUnlock()
	if !exists {
		return nil, nil, store.ErrSessionNotFound
	}
	events, detach := session.relay.Subscribe()
	return events, detach, nil
}

// CancelSession tears a session down from outside.
func (m *Manager) CancelSession(ctx context.Context, id string) error {
	m.mu.RLock()
	session, exists := m.active[id]
	m.mu.RUnlock()
	if !exists {
		return store.ErrSessionNotFound
	}
	return session.engine.Cancel(ctx)
}

// Shutdown cancels every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*activeSession, 0, len(m.active))
	for _, session := range m.active {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	slog.Info("Manager.Shutdown: cancelling active sessions", "count", len(sessions))
	for _, session := range sessions {
		if err := session.engine.Cancel(ctx); err != nil {
			slog.Error("Manager.Shutdown: failed to cancel session", "sessionID", session.id, "error", err)
		}
	}
}

// finishSession records the end of a session and releases its resources.
func (m *Manager) finishSession(id string) {
	m.mu.Lock()
	session, exists := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !exists {
		return
	}
	session.timer.Stop()

	if err := m.store.UpdateSessionStatus(context.Background(), id, models.SessionStatusFinished); err != nil {
		slog.Error("Manager.finishSession: failed to update session status", "sessionID", id, "error", err)
	}
	slog.Info("Manager.finishSession: session finished", "sessionID", id)
}
