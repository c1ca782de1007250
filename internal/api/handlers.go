package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CallFlow/internal/flow"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/store"
)

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// sessionsHandler handles POST /sessions
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sessionsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sessionsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	resp, err := s.sessions.StartSession(r.Context(), req.SessionType)
	if err != nil {
		if errors.Is(err, models.ErrUnknownSessionType) {
			slog.Warn("Server.sessionsHandler: unknown session type", "sessionType", req.SessionType)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown session type: "+req.SessionType))
			return
		}
		slog.Error("Server.sessionsHandler: failed to start session", "error", err, "sessionType", req.SessionType)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}

	slog.Info("Server.sessionsHandler: session started", "sessionID", resp.SessionID, "sessionType", req.SessionType)
	writeJSONResponse(w, http.StatusCreated, models.Success(resp))
}

// sessionHandler handles DELETE /sessions/{id}
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.sessions.CancelSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.sessionHandler: failed to cancel session", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel session"))
		return
	}

	slog.Info("Server.sessionHandler: session cancelled", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// statusHandler handles GET /sessions/{id}/status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, err := s.sessions.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.statusHandler: failed to get status", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get session status"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.SessionStatusResponse{SessionID: id, Status: status}))
}

// messageHandler handles POST /sessions/{id}/message, the text-channel turn
// path.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.UserMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.messageHandler: validation failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.sessions.ProcessMessage(r.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		if errors.Is(err, flow.ErrSessionEnded) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Session has ended"))
			return
		}
		slog.Error("Server.messageHandler: failed to process message", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.UserMessageResponse{Reply: reply}))
}
