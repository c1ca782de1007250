// Package models defines the core data structures for CallFlow.
//
// It includes conversation transcript types, session records, and API
// response envelopes shared across modules.
package models

import (
	"errors"
	"time"
)

// MessageRole identifies the author of a transcript message.
type MessageRole string

const (
	// RoleSystem marks instructions injected by the engine or flow definition.
	RoleSystem MessageRole = "system"
	// RoleUser marks transcribed caller speech or typed caller text.
	RoleUser MessageRole = "user"
	// RoleAssistant marks model output spoken back to the caller.
	RoleAssistant MessageRole = "assistant"
	// RoleTool marks a tool invocation result fed back to the model.
	RoleTool MessageRole = "tool"
)

// Message is a single transcript entry. Messages are append-only once
// recorded; Ephemeral entries participate in LLM context but are excluded
// from persisted transcripts.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Ephemeral  bool        `json:"-"`
}

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusRunning indicates the session is accepting caller input.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusFinished indicates the session has terminated.
	SessionStatusFinished SessionStatus = "finished"
)

// Session represents a persisted conversation session record.
type Session struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// JoinCredentials carry the media-room coordinates a caller client needs to
// attach its audio transport to a session.
type JoinCredentials struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token"`
}

// TimerInfo describes an active scheduled timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

// Validation constants for input validation
const (
	// MaxUserMessageLength defines the maximum accepted length for a single caller utterance.
	MaxUserMessageLength = 4096
	// MinPhoneDigits is the minimum digit count for a delivery phone number.
	MinPhoneDigits = 8
	// MaxPhoneDigits is the maximum digit count for a delivery phone number.
	MaxPhoneDigits = 11
	// MaxOrderQuantity bounds a single line item quantity.
	MaxOrderQuantity = 20
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionType    = errors.New("session type cannot be empty")
	ErrUnknownSessionType  = errors.New("unknown session type")
	ErrEmptyUserMessage    = errors.New("message text cannot be empty")
	ErrUserMessageTooLong  = errors.New("message text exceeds maximum length")
	ErrEmptyItemType       = errors.New("item type is required")
	ErrUnknownItemType     = errors.New("unknown item type")
	ErrInvalidQuantity     = errors.New("quantity must be between 1 and 20")
	ErrUnknownExtra        = errors.New("unknown extra")
	ErrEmptyAddress        = errors.New("delivery address is required")
	ErrInvalidPhone        = errors.New("phone number must be 8 to 11 digits")
	ErrEmptyBirthday       = errors.New("birthday is required")
	ErrInvalidBirthday     = errors.New("birthday must be in YYYY-MM-DD format")
	ErrInvalidCoordinates  = errors.New("latitude and longitude must be valid coordinates")
	ErrEmptyMedicationName = errors.New("medication name is required")
)

// API request and response types for consistent JSON handling

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	SessionType string `json:"session_type"`
}

// Validate checks a session bootstrap request.
func (r *StartSessionRequest) Validate() error {
	if r.SessionType == "" {
		return ErrEmptySessionType
	}
	return nil
}

// StartSessionResponse is returned on successful session bootstrap.
type StartSessionResponse struct {
	SessionID       string          `json:"session_id"`
	JoinCredentials JoinCredentials `json:"join_credentials"`
}

// SessionStatusResponse reports the lifecycle state of a session.
type SessionStatusResponse struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

// UserMessageRequest is the body of POST /sessions/{id}/message.
type UserMessageRequest struct {
	Text string `json:"text"`
}

// Validate checks a text-channel turn request.
func (r *UserMessageRequest) Validate() error {
	if r.Text == "" {
		return ErrEmptyUserMessage
	}
	if len(r.Text) > MaxUserMessageLength {
		return ErrUserMessageTooLong
	}
	return nil
}

// UserMessageResponse carries the assistant reply for a text-channel turn.
type UserMessageResponse struct {
	Reply string `json:"reply"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
