package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

type startRunRequest struct {
	UserMessage  string   `json:"user_message"`
	Model        string   `json:"model"`
	AutoApprove  bool     `json:"auto_approve"`
	MaxSteps     *int     `json:"max_steps"`
	AllowedTools []string `json:"allowed_tools"`
}

type startRunResponse struct {
	RunID  string          `json:"run_id"`
	Status store.RunStatus `json:"status"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	var req startRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user_message is required")
		return
	}

	maxSteps := s.defaultMaxSteps
	if req.MaxSteps != nil {
		maxSteps = *req.MaxSteps
		if maxSteps < 1 || maxSteps > s.maxStepsLimit {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
				fmt.Sprintf("max_steps must be between 1 and %d", s.maxStepsLimit))
			return
		}
	}

	if unknown := s.tools.Unknown(req.AllowedTools); len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "allowed_tools names unknown tools", unknown...)
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.defaultModel
	}

	cwd := sess.Cwd
	if cwd == "" {
		cwd = "."
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("invalid session cwd: %v", err))
		return
	}

	runner, err := s.runs.Start(r.Context(), runtime.RunConfig{
		SessionID:    sess.ID,
		Cwd:          abs,
		Model:        model,
		AutoApprove:  req.AutoApprove,
		MaxSteps:     maxSteps,
		AllowedTools: req.AllowedTools,
	}, req.UserMessage)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrRunActive):
			writeError(w, http.StatusConflict, "RUN_ACTIVE", "session already has an active run")
		case errors.Is(err, runtime.ErrTooManyRuns):
			writeError(w, http.StatusTooManyRequests, "TOO_MANY_RUNS", "too many concurrent runs")
		case errors.Is(err, runtime.ErrRegistryClosed):
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		case errors.Is(err, store.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", sess.ID))
		default:
			s.logger.Error("start run failed", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "RUN_START_FAILED", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, startRunResponse{RunID: runner.ID(), Status: store.RunRunning})
}

// latestRunResponse is the stored run plus the live view when it is still active.
type latestRunResponse struct {
	store.Run
	Active  bool     `json:"active"`
	Pending []string `json:"pending,omitempty"`
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	run, err := s.store.LatestRun(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "session has no runs")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	resp := latestRunResponse{Run: run}
	if live, ok := s.runs.Get(sess.ID); ok && live.ID() == run.ID && !live.Finished() {
		resp.Active = true
		resp.Pending = live.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	runID := r.PathValue("run_id")
	if err := s.runs.Cancel(sessionID, runID); err != nil {
		if errors.Is(err, runtime.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no active run %q in session %q", runID, sessionID))
			return
		}
		writeError(w, http.StatusInternalServerError, "CANCEL_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type decisionRequest struct {
	Decision tool.DecisionKind `json:"decision"`
	Reason   string            `json:"reason"`
}

func (s *Server) handleToolDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sessionID := r.PathValue("session_id")
	runID := r.PathValue("run_id")
	err := s.runs.Decide(sessionID, runID, tool.Decision{
		CallID:   r.PathValue("tool_id"),
		Decision: req.Decision,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrInvalidDecision):
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, runtime.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no active run %q in session %q", runID, sessionID))
		case errors.Is(err, runtime.ErrRunFinished):
			writeError(w, http.StatusConflict, "RUN_FINISHED", "run already finished")
		default:
			writeError(w, http.StatusInternalServerError, "DECISION_FAILED", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
