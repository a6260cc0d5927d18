// Package sse provides a Server-Sent Events handler for streaming session
// events to HTTP clients. It replays persisted events from the store and then
// follows the live topic on the bus, so a reconnecting viewer sees every
// envelope exactly once.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
)

// DefaultKeepAlive is the idle interval after which a keep-alive comment is sent.
const DefaultKeepAlive = 15 * time.Second

// EventReader is the store surface the handler replays from.
type EventReader interface {
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListEventsAfter(ctx context.Context, sessionID string, afterID uint64, limit int) ([]store.Event, error)
	ListEventsSince(ctx context.Context, sessionID string, sinceMs int64, limit int) ([]store.Event, error)
}

// Subscriber opens resumable subscriptions. It is satisfied by bus.MemBus.
type Subscriber interface {
	SubscribeSince(topic string, since uint64) (bus.Subscription, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Store EventReader
	Bus   Subscriber

	// KeepAlive is how long the stream may stay idle before a comment is
	// written (default: 15s).
	KeepAlive time.Duration

	Logger *slog.Logger
}

// Handler serves the event stream of one session. It expects a "session_id"
// path value (Go 1.22+ ServeMux).
//
// The resume cursor is the "since" query parameter or, when absent, the
// Last-Event-ID header. "since_ts" (ms since epoch) replays from the store by
// timestamp instead. After replay the handler subscribes to the session topic
// from the last id it sent and skips anything at or below it.
//
// SSE format:
//
//	id: {id}
//	event: {type}
//	data: {envelope json}
//
// A ": keep-alive" comment is sent whenever the stream is idle for KeepAlive.
// The stream ends when the client disconnects or the bus shuts down.
type Handler struct {
	store     EventReader
	bus       Subscriber
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		bus:       cfg.Bus,
		keepAlive: cfg.KeepAlive,
		logger:    cfg.Logger,
	}
}

// cursor is where a stream resumes from.
type cursor struct {
	afterID uint64
	sinceTS int64
	byTime  bool
}

func parseCursor(r *http.Request) (cursor, error) {
	var c cursor
	q := r.URL.Query()

	if ts := q.Get("since_ts"); ts != "" {
		parsed, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || parsed < 0 {
			return c, errors.New("invalid since_ts parameter")
		}
		c.sinceTS = parsed
		c.byTime = true
		return c, nil
	}

	raw := q.Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c, errors.New("invalid since parameter")
		}
		c.afterID = parsed
	}
	return c, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	cur, err := parseCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Phase 1: Replay stored events.
	lastSent, err := h.replayStored(ctx, w, flusher, sessionID, cur)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("sse replay failed", "session_id", sessionID, "error", err)
		}
		return
	}

	// Phase 2: Follow the live topic from the last id sent.
	sub, err := h.bus.SubscribeSince(runtime.SessionTopic(sessionID), lastSent)
	if err != nil {
		h.logger.Warn("sse subscribe failed", "session_id", sessionID, "error", err)
		return
	}
	defer sub.Close()

	h.streamLive(ctx, w, flusher, sub, lastSent)
}

// replayStored writes persisted events and returns the highest id sent.
func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sessionID string,
	cur cursor,
) (uint64, error) {
	var (
		events []store.Event
		err    error
	)
	if cur.byTime {
		events, err = h.store.ListEventsSince(ctx, sessionID, cur.sinceTS, 0)
	} else {
		events, err = h.store.ListEventsAfter(ctx, sessionID, cur.afterID, 0)
	}
	if err != nil {
		return 0, err
	}

	lastSent := cur.afterID
	for _, evt := range events {
		if ctx.Err() != nil {
			return lastSent, ctx.Err()
		}
		if evt.ID <= lastSent {
			continue
		}
		if err := WriteEvent(w, runtime.EnvelopeFromRecord(evt)); err != nil {
			return lastSent, err
		}
		lastSent = evt.ID
	}
	flusher.Flush()
	return lastSent, nil
}

// streamLive forwards envelopes from sub, deduplicating against ids already
// sent during replay.
func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSent uint64,
) {
	for {
		env, err := sub.Next(ctx, h.keepAlive)
		switch {
		case errors.Is(err, bus.ErrTimeout):
			if err := WriteComment(w, "keep-alive"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case err != nil:
			// Client gone or subscription closed.
			return
		}

		if env.Seq() <= lastSent {
			continue
		}
		if err := WriteEvent(w, env); err != nil {
			return
		}
		flusher.Flush()
		lastSent = env.Seq()
	}
}

// WriteEvent writes a single envelope in SSE format.
func WriteEvent(w io.Writer, env runtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.Meta.ID, env.Type, data)
	return err
}

// WriteComment writes an SSE comment line.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
