// Package runtime provides the run engine for petalrun sessions: the event
// envelope published for every fact, the run state machine that drives the
// reasoning/tool loop, and the registry that keeps one live run per session.
package runtime

import (
	"strconv"
	"strings"
	"time"
)

// EventKind identifies the type of event emitted by a run.
type EventKind string

const (
	// EventRunStarted is emitted once when a run begins.
	EventRunStarted EventKind = "run.started"

	// EventStepStarted is emitted at the start of every reasoning step.
	EventStepStarted EventKind = "run.step.started"

	// EventToolCallsProposed carries the full batch of calls proposed by a step.
	EventToolCallsProposed EventKind = "tool.calls.proposed"

	// EventToolCallApproved is emitted when a human approves a pending call.
	EventToolCallApproved EventKind = "tool.call.approved"

	// EventToolCallRejected is emitted when a human rejects a pending call.
	EventToolCallRejected EventKind = "tool.call.rejected"

	// EventToolResult is emitted once per executed call.
	EventToolResult EventKind = "tool.result"

	// EventRunPaused is emitted when the run waits on human decisions.
	EventRunPaused EventKind = "run.paused"

	// EventRunResumed is emitted when every pending call has been resolved.
	EventRunResumed EventKind = "run.resumed"

	// EventAssistantFinal carries the final answer of a run.
	EventAssistantFinal EventKind = "assistant.final"

	// EventRunCompleted is the terminal event of a successful run.
	EventRunCompleted EventKind = "run.completed"

	// EventRunCancelled is the terminal event of a cancelled run.
	EventRunCancelled EventKind = "run.cancelled"

	// EventRunError is the terminal event of a failed run.
	EventRunError EventKind = "run.error"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the kind ends a run.
func (k EventKind) Terminal() bool {
	switch k {
	case EventRunCompleted, EventRunCancelled, EventRunError:
		return true
	}
	return false
}

// Meta is the metadata assigned to an envelope at publish time.
// ID is unique and strictly increasing within one topic only.
type Meta struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"ts_ms"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Seq is the numeric form of ID.
	Seq uint64 `json:"-"`
}

// NewMeta builds metadata for the given sequence number. A zero ts uses the
// current time.
func NewMeta(seq uint64, source, correlationID string, ts int64) Meta {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Meta{
		ID:            strconv.FormatUint(seq, 10),
		Timestamp:     ts,
		Source:        source,
		CorrelationID: correlationID,
		Seq:           seq,
	}
}

// Envelope is one immutable published fact. Envelopes are shared between
// subscribers by value; Data must not be mutated after publish.
type Envelope struct {
	Meta Meta           `json:"meta"`
	Type EventKind      `json:"type"`
	Data map[string]any `json:"data"`
}

// Seq returns the envelope's per-topic sequence number.
func (e Envelope) Seq() uint64 {
	return e.Meta.Seq
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Meta.Timestamp)
}

// PublishInput is what a publisher supplies; the bus fills in the rest.
type PublishInput struct {
	Type          EventKind
	Data          map[string]any
	Source        string
	CorrelationID string

	// Timestamp overrides the publish time in ms since epoch (0 = now).
	Timestamp int64
}

// CommitFunc is invoked with the fully built envelope before it becomes
// visible to any subscriber. A non-nil error aborts the publish.
type CommitFunc func(Envelope) error

// EventPublisher publishes envelopes to topics. This interface is satisfied
// by bus.MemBus, allowing the runtime to publish without importing bus.
type EventPublisher interface {
	PublishFunc(topic string, in PublishInput, commit CommitFunc) (Envelope, error)
}

// EventHandler observes envelopes after they have been published.
type EventHandler func(Envelope)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Envelope) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// SessionTopic returns the bus topic carrying a session's events.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

// SessionFromTopic is the inverse of SessionTopic.
func SessionFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, sessionTopicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

const sessionTopicPrefix = "session:"
