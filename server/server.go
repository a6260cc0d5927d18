package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/sse"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

// Default run limits applied when ServerConfig leaves them unset.
const (
	DefaultMaxStepsLimit = 500
	DefaultListLimit     = 100
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store store.Store
	Bus   sse.Subscriber
	Runs  *runtime.Registry

	// Tools is the catalog runs may allow; if nil, uses tool.DefaultRegistry.
	Tools *tool.Registry

	// DefaultModel is used when a start-run request names no model.
	DefaultModel string

	// DefaultMaxSteps applies when a request omits max_steps (default: runtime.DefaultMaxSteps).
	DefaultMaxSteps int

	// MaxStepsLimit is the largest accepted max_steps (default: 500).
	MaxStepsLimit int

	// KeepAlive is the idle interval of the event stream (default: sse.DefaultKeepAlive).
	KeepAlive time.Duration

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the petalrun HTTP API server.
type Server struct {
	store           store.Store
	runs            *runtime.Registry
	tools           *tool.Registry
	events          *sse.Handler
	defaultModel    string
	defaultMaxSteps int
	maxStepsLimit   int
	corsOrigin      string
	maxBody         int64
	logger          *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	tools := cfg.Tools
	if tools == nil {
		tools = tool.DefaultRegistry()
	}
	limit := cfg.MaxStepsLimit
	if limit <= 0 {
		limit = DefaultMaxStepsLimit
	}
	defSteps := cfg.DefaultMaxSteps
	if defSteps <= 0 {
		defSteps = runtime.DefaultMaxSteps
	}
	if defSteps > limit {
		defSteps = limit
	}
	return &Server{
		store: cfg.Store,
		runs:  cfg.Runs,
		tools: tools,
		events: sse.NewHandler(sse.HandlerConfig{
			Store:     cfg.Store,
			Bus:       cfg.Bus,
			KeepAlive: cfg.KeepAlive,
			Logger:    logger,
		}),
		defaultModel:    cfg.DefaultModel,
		defaultMaxSteps: defSteps,
		maxStepsLimit:   limit,
		corsOrigin:      corsOrigin,
		maxBody:         maxBody,
		logger:          logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/tools", s.handleListTools)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{session_id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{session_id}/messages", s.handleListMessages)

	mux.HandleFunc("POST /api/sessions/{session_id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/sessions/{session_id}/runs/latest", s.handleLatestRun)
	mux.HandleFunc("POST /api/sessions/{session_id}/runs/{run_id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /api/sessions/{session_id}/runs/{run_id}/tools/{tool_id}/decision", s.handleToolDecision)

	mux.Handle("GET /api/sessions/{session_id}/events/stream", s.events)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// decodeJSON decodes a request body into v, rejecting unknown fields. An
// empty body leaves v untouched. It writes the error response itself and
// reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
