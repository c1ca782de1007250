package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// ConversationContext is the shared per-session conversation record: an
// append-only message transcript plus the set of tools currently exposed to
// the model. Messages are never reordered or removed once appended; the tool
// set is replaced atomically as a whole on node transitions.
type ConversationContext struct {
	mu       sync.RWMutex
	messages []models.Message
	tools    []ToolSchema
}

// NewConversationContext creates an empty conversation context.
func NewConversationContext() *ConversationContext {
	return &ConversationContext{}
}

// Append adds messages to the end of the transcript. Timestamps are filled in
// for entries that lack one.
func (c *ConversationContext) Append(msgs ...models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		c.messages = append(c.messages, msg)
	}
}

// SetTools replaces the active tool set in a single atomic step. Observers
// never see a partially updated set.
func (c *ConversationContext) SetTools(tools []ToolSchema) {
	copied := make([]ToolSchema, len(tools))
	copy(copied, tools)

	c.mu.Lock()
	c.tools = copied
	c.mu.Unlock()

	slog.Debug("ConversationContext.SetTools: active tool set replaced", "toolCount", len(copied))
}

// ActiveTools returns a copy of the current tool set.
func (c *ConversationContext) ActiveTools() []ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := make([]ToolSchema, len(c.tools))
	copy(copied, c.tools)
	return copied
}

// Snapshot returns a consistent copy of the transcript and the active tool
// set taken under a single lock acquisition.
func (c *ConversationContext) Snapshot() ([]models.Message, []ToolSchema) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	messages := make([]models.Message, len(c.messages))
	copy(messages, c.messages)
	tools := make([]ToolSchema, len(c.tools))
	copy(tools, c.tools)
	return messages, tools
}

// Transcript returns the persistable transcript: all messages in append
// order, excluding entries marked ephemeral.
func (c *ConversationContext) Transcript() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]models.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.Ephemeral {
			continue
		}
		result = append(result, msg)
	}
	return result
}

// Len returns the current number of transcript messages, including ephemeral
// entries.
func (c *ConversationContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
