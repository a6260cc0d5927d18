package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/petalrun/store"
)

// maxTitleLength bounds session titles.
const maxTitleLength = 200

// DefaultSessionTitle is used when a create request names no title.
const DefaultSessionTitle = "New session"

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListTools returns the registered tools with their schemas.
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.tools.Describe(),
	})
}

type createSessionRequest struct {
	Title           string `json:"title"`
	Cwd             string `json:"cwd"`
	ParentSessionID string `json:"parent_session_id"`
}

type createSessionResponse struct {
	SessionID string        `json:"session_id"`
	Session   store.Session `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultSessionTitle
	}
	if len(title) > maxTitleLength {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("title must be at most %d characters", maxTitleLength))
		return
	}

	sess, err := s.store.CreateSession(r.Context(), store.Session{
		Title:    title,
		Cwd:      strings.TrimSpace(req.Cwd),
		ParentID: strings.TrimSpace(req.ParentSessionID),
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("parent session %q not found", req.ParentSessionID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, Session: sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("parent_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if _, active := s.runs.Get(id); active {
		writeError(w, http.StatusConflict, "RUN_ACTIVE", "session has an active run")
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), sess.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// loadSession resolves the session_id path value, writing 404 when unknown.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	id := r.PathValue("session_id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id))
			return store.Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return store.Session{}, false
	}
	return sess, true
}

// queryLimit parses ?limit=, defaulting to DefaultListLimit.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return DefaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
