// Package store provides durable storage for petalrun sessions, runs,
// messages, and events.
//
// The event log is the lossless counterpart of the in-memory bus: every
// envelope a run publishes is appended here first, carrying the same
// per-session id, so a viewer can replay from the store and switch to the
// bus without gaps.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrRunNotFound is returned when a run id is unknown or a session has no runs.
	ErrRunNotFound = errors.New("store: run not found")
)

// RunStatus is the persisted lifecycle state of a run.
type RunStatus string

const (
	RunStarting  RunStatus = "starting"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Session groups runs, messages, and events for one working directory.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cwd       string `json:"cwd"`
	ParentID  string `json:"parent_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Run is the persisted record of one execution of the reasoning loop.
type Run struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Status       RunStatus `json:"status"`
	Model        string    `json:"model,omitempty"`
	AutoApprove  bool      `json:"auto_approve"`
	MaxSteps     int       `json:"max_steps"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	UpdatedAt    int64     `json:"updated_at"`
}

// Message is one conversational turn.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Event is one persisted envelope. ID is unique per session; an ID of 0
// passed to AddEvent asks the store to assign the next one.
type Event struct {
	SessionID     string         `json:"session_id"`
	ID            uint64         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     int64          `json:"ts_ms"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Store is the durable storage contract.
type Store interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)

	// ListSessions returns sessions newest first. An empty parentID lists
	// top-level sessions; limit <= 0 means no limit.
	ListSessions(ctx context.Context, parentID string, limit int) ([]Session, error)

	// DeleteSession removes a session with its runs, messages, events, and
	// child sessions.
	DeleteSession(ctx context.Context, id string) error

	// CreateRun stores a new run with status starting.
	CreateRun(ctx context.Context, r Run) (Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	GetRun(ctx context.Context, runID string) (Run, error)

	// LatestRun returns the most recently created run of a session.
	LatestRun(ctx context.Context, sessionID string) (Run, error)

	AddMessage(ctx context.Context, m Message) (Message, error)

	// ListMessages returns messages oldest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// AddEvent appends an event. Re-adding an existing (session, id) pair is
	// a no-op.
	AddEvent(ctx context.Context, e Event) error

	// ListEventsSince returns events with Timestamp >= sinceMs ordered by id.
	ListEventsSince(ctx context.Context, sessionID string, sinceMs int64, limit int) ([]Event, error)

	// ListEventsAfter returns events with ID > afterID ordered by id.
	ListEventsAfter(ctx context.Context, sessionID string, afterID uint64, limit int) ([]Event, error)

	// LatestEventID returns the highest event id of a session (0 if none).
	LatestEventID(ctx context.Context, sessionID string) (uint64, error)

	// Prune deletes events older than the configured retention age.
	Prune(ctx context.Context) error

	Close() error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
