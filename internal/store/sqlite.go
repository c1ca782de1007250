// Package store provides storage backends for CallFlow.
//
// This file implements an SQLite-backed store for sessions and transcripts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Type, session.Status, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", session.ID, "type", session.Type)
	return nil
}

// GetSession retrieves a session record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&session.ID, &session.Type, &session.Status, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

// UpdateSessionStatus updates the lifecycle status of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionStatus failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrSessionNotFound
	}
	slog.Debug("SQLiteStore UpdateSessionStatus succeeded", "sessionID", id, "status", status)
	return nil
}

// ListSessions returns all session records, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
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
func (s *SQLiteStore) SaveTranscript(ctx context.Context, sessionID string, messages []models.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript for %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, messages, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET messages = excluded.messages, saved_at = excluded.saved_at`,
		sessionID, string(data), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveTranscript failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to save transcript for %s: %w", sessionID, err)
	}
	slog.Debug("SQLiteStore SaveTranscript succeeded", "sessionID", sessionID, "messageCount", len(messages))
	return nil
}

// GetTranscript retrieves the saved transcript for a session.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) ([]models.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM transcripts WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetTranscript failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query transcript for %s: %w", sessionID, err)
	}

	var messages []models.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript for %s: %w", sessionID, err)
	}
	return messages, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
