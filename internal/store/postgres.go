// Package store provides storage backends for CallFlow.
//
// This file implements a PostgreSQL-backed store for sessions and transcripts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// CreateSession inserts a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, type, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.Type, session.Status, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", session.ID, "type", session.Type)
	return nil
}

// GetSession retrieves a session record by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.Type, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

// UpdateSessionStatus updates the lifecycle status of a session.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionStatus failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrSessionNotFound
	}
	slog.Debug("PostgresStore UpdateSessionStatus succeeded", "sessionID", id, "status", status)
	return nil
}

// ListSessions returns all session records, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.Type, &session.Status, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SaveTranscript stores the full transcript for a session, replacing any
// previously saved copy.
func (s *PostgresStore) SaveTranscript(ctx context.Context, sessionID string, messages []models.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript for %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, messages, saved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET messages = EXCLUDED.messages, saved_at = EXCLUDED.saved_at`,
		sessionID, string(data), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveTranscript failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to save transcript for %s: %w", sessionID, err)
	}
	slog.Debug("PostgresStore SaveTranscript succeeded", "sessionID", sessionID, "messageCount", len(messages))
	return nil
}

// GetTranscript retrieves the saved transcript for a session.
func (s *PostgresStore) GetTranscript(ctx context.Context, sessionID string) ([]models.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM transcripts WHERE session_id = $1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetTranscript failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query transcript for %s: %w", sessionID, err)
	}

	var messages []models.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript for %s: %w", sessionID, err)
	}
	return messages, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
