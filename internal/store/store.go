// Package store provides storage backends for CallFlow.
//
// It persists session records and conversation transcripts, with SQLite,
// PostgreSQL, and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for file paths.
func DetectDSNType(dsn string) string {
	if strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// ErrSessionNotFound is returned when a session ID has no record.
var ErrSessionNotFound = errors.New("session not found")

// ErrTranscriptNotFound is returned when a session has no saved transcript.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Store defines the persistence interface for sessions and transcripts.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session models.Session) error

	// GetSession retrieves a session record by ID.
	GetSession(ctx context.Context, id string) (models.Session, error)

	// UpdateSessionStatus updates the lifecycle status of a session.
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error

	// ListSessions returns all session records, newest first.
	ListSessions(ctx context.Context) ([]models.Session, error)

	// SaveTranscript stores the full transcript for a session, replacing any
	// previously saved copy.
	SaveTranscript(ctx context.Context, sessionID string, messages []models.Message) error

	// GetTranscript retrieves the saved transcript for a session.
	GetTranscript(ctx context.Context, sessionID string) ([]models.Message, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for Postgres.
	DSN string
}

// Option configures store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a map-backed store used in tests and development mode.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	transcripts map[string][]models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]models.Session),
		transcripts: make(map[string][]models.Message),
	}
}

// CreateSession inserts a new session record.
func (s *InMemoryStore) CreateSession(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session record by ID.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, exists := s.sessions[id]
	if !exists {
		return models.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// UpdateSessionStatus updates the lifecycle status of a session.
func (s *InMemoryStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	session.Status = status
	session.UpdatedAt = time.Now()
	s.sessions[id] = session
	return nil
}

// ListSessions returns all session records, newest first.
func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		result = append(result, session)
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.After(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

// SaveTranscript stores the full transcript for a session.
func (s *InMemoryStore) SaveTranscript(ctx context.Context, sessionID string, messages []models.Message) error {
	copied := make([]models.Message, len(messages))
	copy(copied, messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[sessionID] = copied
	return nil
}

// GetTranscript retrieves the saved transcript for a session.
func (s *InMemoryStore) GetTranscript(ctx context.Context, sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transcript, exists := s.transcripts[sessionID]
	if !exists {
		return nil, ErrTranscriptNotFound
	}
	copied := make([]models.Message, len(transcript))
	copy(copied, transcript)
	return copied, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
