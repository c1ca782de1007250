package flow

import (
	"sync"
	"testing"

	"github.com/BTreeMap/CallFlow/internal/models"
)

func TestConversationContextAppendOrder(t *testing.T) {
	c := NewConversationContext()
	c.Append(models.Message{Role: models.RoleSystem, Content: "first"})
	c.Append(
		models.Message{Role: models.RoleUser, Content: "second"},
		models.Message{Role: models.RoleAssistant, Content: "third"},
	)

	transcript, _ := c.Snapshot()
	if len(transcript) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(transcript))
	}
	for i, want := range []string{"first", "second", "third"} {
		if transcript[i].Content != want {
			t.Errorf("message %d: got %q, want %q", i, transcript[i].Content, want)
		}
		if transcript[i].Timestamp.IsZero() {
			t.Errorf("message %d missing timestamp", i)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestConversationContextSetToolsReplacesWholeSet(t *testing.T) {
	c := NewConversationContext()
	c.SetTools([]ToolSchema{{Name: "a"}, {Name: "b"}})
	c.SetTools([]ToolSchema{{Name: "c"}})

	tools := c.ActiveTools()
	if len(tools) != 1 || tools[0].Name != "c" {
		t.Errorf("tool set not replaced atomically: %+v", tools)
	}
}

func TestConversationContextActiveToolsIsCopy(t *testing.T) {
	c := NewConversationContext()
	c.SetTools([]ToolSchema{{Name: "a"}})

	tools := c.ActiveTools()
	tools[0].Name = "mutated"

	if c.ActiveTools()[0].Name != "a" {
		t.Error("ActiveTools must return a copy")
	}
}

func TestConversationContextTranscriptExcludesEphemeral(t *testing.T) {
	c := NewConversationContext()
	c.Append(
		models.Message{Role: models.RoleSystem, Content: "durable"},
		models.Message{Role: models.RoleSystem, Content: "internal note", Ephemeral: true},
		models.Message{Role: models.RoleUser, Content: "hello"},
	)

	transcript := c.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected 2 persistable messages, got %d", len(transcript))
	}
	for _, msg := range transcript {
		if msg.Content == "internal note" {
			t.Error("ephemeral message in persistable transcript")
		}
	}

	// Ephemeral entries still count toward the in-memory transcript.
	full, _ := c.Snapshot()
	if len(full) != 3 {
		t.Errorf("expected 3 in-memory messages, got %d", len(full))
	}
}

func TestConversationContextConcurrentAccess(t *testing.T) {
	c := NewConversationContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Append(models.Message{Role: models.RoleUser, Content: "x"})
		}()
		go func() {
			defer wg.Done()
			c.SetTools([]ToolSchema{{Name: "t"}})
			_, _ = c.Snapshot()
		}()
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Errorf("expected 8 messages after concurrent appends, got %d", c.Len())
	}
}
