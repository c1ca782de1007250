package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CallFlow/internal/flow"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/gorilla/websocket"
)

// streamWriteTimeout bounds a single WebSocket write.
const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Join tokens gate room access upstream; the stream itself is open to
	// any origin that knows the session ID.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is the wire format for both directions of the stream.
// Client frames: {type: "user_text", text}. Server frames:
// {type: "assistant_text", text} and a final {type: "session_end"}.
type streamFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	frameUserText      = "user_text"
	frameAssistantText = "assistant_text"
	frameSessionEnd    = "session_end"
)

// streamHandler handles GET /sessions/{id}/stream
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request, id string) {
	events, detach, err := s.sessions.Subscribe(id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.streamHandler: failed to subscribe", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to attach to session"))
		return
	}
	defer detach()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.streamHandler: upgrade failed", "error", err, "sessionID", id)
		return
	}
	defer conn.Close()
	slog.Info("Server.streamHandler: stream attached", "sessionID", id, "remote", conn.RemoteAddr())

	// Single writer goroutine; gorilla/websocket allows one concurrent writer.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for event := range events {
			frame := streamFrame{Type: frameAssistantText, Text: event.Text}
			if event.End {
				frame = streamFrame{Type: frameSessionEnd}
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				slog.Debug("Server.streamHandler: write failed", "error", err, "sessionID", id)
				return
			}
			if event.End {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		}
	}()

	// Reader loop: caller text turns. Replies reach the client through the
	// speech stream, not as direct responses.
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			slog.Debug("Server.streamHandler: read loop ended", "error", err, "sessionID", id)
			break
		}
		if frame.Type != frameUserText || frame.Text == "" {
			slog.Warn("Server.streamHandler: unexpected frame", "type", frame.Type, "sessionID", id)
			continue
		}

		if _, err := s.sessions.ProcessMessage(r.Context(), id, frame.Text); err != nil {
			if errors.Is(err, flow.ErrSessionEnded) || errors.Is(err, store.ErrSessionNotFound) {
				break
			}
			slog.Error("Server.streamHandler: failed to process message", "error", err, "sessionID", id)
		}
	}

	<-writeDone
	slog.Info("Server.streamHandler: stream detached", "sessionID", id)
}
