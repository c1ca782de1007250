package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallFlow/internal/flow"
	"github.com/BTreeMap/CallFlow/internal/genai"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"
)

// echoClient replies with a fixed string to every completion.
type echoClient struct {
	reply string
}

func (c *echoClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return c.reply, nil
}

func (c *echoClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	return &genai.ToolCallResponse{Content: c.reply}, nil
}

// chatBuilder is a single-node flow with one local tool, used to exercise
// the HTTP surface without a real model.
func chatBuilder() (*flow.Definition, error) {
	dispatcher := flow.NewDispatcher()
	if err := dispatcher.Register("noop", func(ctx context.Context, args json.RawMessage) (flow.HandlerOutcome, error) {
		return flow.HandlerOutcome{Success: true, Response: "ok"}, nil
	}); err != nil {
		return nil, err
	}

	graph, err := flow.NewGraph([]string{"You are brief."}, "chat", []*flow.Node{
		{
			ID:           "chat",
			TaskMessages: []string{"Chat with the caller."},
			Tools: []flow.ToolSchema{{
				Name:        "noop",
				Description: "Do nothing.",
				Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			}},
		},
		{
			ID:          "end",
			PostActions: []flow.Action{{Kind: flow.ActionTerminate}},
		},
	})
	if err != nil {
		return nil, err
	}
	return &flow.Definition{Graph: graph, Dispatcher: dispatcher}, nil
}

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	manager := session.NewManager(store.NewInMemoryStore(), &echoClient{reply: "Hello there."})
	if err := manager.RegisterBuilder("chat", chatBuilder); err != nil {
		t.Fatalf("RegisterBuilder failed: %v", err)
	}
	server, err := NewServer(manager)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, manager
}

func decodeResponse(t *testing.T, body *bytes.Buffer) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func startSession(t *testing.T, server *Server) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"session_type":"chat"}`))
	rec := httptest.NewRecorder()
	server.sessionsHandler(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec.Body)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %+v", resp.Result)
	}
	id, _ := result["session_id"].(string)
	if id == "" {
		t.Fatal("missing session_id in response")
	}
	return id
}

func TestHealthHandler(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.healthHandler(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestSessionsHandlerCreate(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"session_type":"chat"}`))
	rec := httptest.NewRecorder()
	server.sessionsHandler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec.Body)
	if resp.Status != "ok" {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	result := resp.Result.(map[string]interface{})
	creds, ok := result["join_credentials"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing join_credentials: %+v", result)
	}
	if creds["room_url"] == "" || creds["token"] == "" {
		t.Errorf("incomplete join credentials: %+v", creds)
	}
}

func TestSessionsHandlerValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed JSON", `{not json`, http.StatusBadRequest},
		{"missing type", `{}`, http.StatusBadRequest},
		{"unknown type", `{"session_type":"banquet"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			server.sessionsHandler(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	server.sessionsHandler(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	server, _ := newTestServer(t)
	id := startSession(t, server)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/status", nil)
	rec := httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec.Body)
	result := resp.Result.(map[string]interface{})
	if result["status"] != "running" {
		t.Errorf("expected running status, got %v", result["status"])
	}

	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodGet, "/sessions/s_missing/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestMessageHandler(t *testing.T) {
	server, _ := newTestServer(t)
	id := startSession(t, server)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/message", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec.Body)
	result := resp.Result.(map[string]interface{})
	if result["reply"] != "Hello there." {
		t.Errorf("unexpected reply: %v", result["reply"])
	}

	// Empty text is rejected before reaching the engine.
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/message", strings.NewReader(`{"text":""}`))
	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodPost, "/sessions/s_missing/message", strings.NewReader(`{"text":"hi"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestSessionHandlerDelete(t *testing.T) {
	server, _ := newTestServer(t)
	id := startSession(t, server)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil)
	rec := httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A cancelled session no longer accepts messages.
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/message", strings.NewReader(`{"text":"hi"}`))
	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after cancel, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodDelete, "/sessions/s_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestSessionSubresourceRouting(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodGet, "/sessions/s_1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown subresource, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodGet, "/sessions/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for empty session ID, got %d", rec.Code)
	}
}

func TestStreamHandler(t *testing.T) {
	server, _ := newTestServer(t)
	id := startSession(t, server)

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", server.sessionSubresourceHandler)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	// The greeting produced at session start is replayed on attach.
	var frame streamFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read greeting frame: %v", err)
	}
	if frame.Type != frameAssistantText || frame.Text != "Hello there." {
		t.Errorf("unexpected greeting frame: %+v", frame)
	}

	// A user_text frame produces an assistant_text frame.
	if err := conn.WriteJSON(streamFrame{Type: frameUserText, Text: "hello"}); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read reply frame: %v", err)
	}
	if frame.Type != frameAssistantText || frame.Text != "Hello there." {
		t.Errorf("unexpected reply frame: %+v", frame)
	}
}

func TestStreamHandlerUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.sessionSubresourceHandler(rec, httptest.NewRequest(http.MethodGet, "/sessions/s_missing/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}
