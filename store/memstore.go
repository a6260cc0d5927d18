package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MemStore is a thread-safe in-memory Store. It is used by tests and by
// servers started without a sqlite path.
type MemStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	runs         map[string]Run
	runOrder     map[string][]string // sessionID -> run ids in creation order
	messages     map[string][]Message
	events       map[string][]Event // sessionID -> events ordered by id
	retentionAge time.Duration
}

// NewMemStore creates an empty in-memory store. A positive retentionAge
// makes Prune drop events older than it, except each session's newest event,
// which keeps LatestEventID stable.
func NewMemStore(retentionAge time.Duration) *MemStore {
	return &MemStore{
		sessions:     make(map[string]Session),
		runs:         make(map[string]Run),
		runOrder:     make(map[string][]string),
		messages:     make(map[string][]Message),
		events:       make(map[string][]Event),
		retentionAge: retentionAge,
	}
}

func (s *MemStore) CreateSession(_ context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = nowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ParentID != "" {
		if _, ok := s.sessions[sess.ParentID]; !ok {
			return Session{}, ErrSessionNotFound
		}
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemStore) ListSessions(_ context.Context, parentID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.ParentID == parentID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.deleteLocked(id)
	return nil
}

func (s *MemStore) deleteLocked(id string) {
	for childID, child := range s.sessions {
		if child.ParentID == id {
			s.deleteLocked(childID)
		}
	}
	for _, runID := range s.runOrder[id] {
		delete(s.runs, runID)
	}
	delete(s.runOrder, id)
	delete(s.messages, id)
	delete(s.events, id)
	delete(s.sessions, id)
}

func (s *MemStore) CreateRun(_ context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := nowMillis()
	r.Status = RunStarting
	r.CreatedAt = now
	r.UpdatedAt = now
	r.AllowedTools = append([]string(nil), r.AllowedTools...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[r.SessionID]; !ok {
		return Run{}, ErrSessionNotFound
	}
	s.runs[r.ID] = r
	s.runOrder[r.SessionID] = append(s.runOrder[r.SessionID], r.ID)
	return r, nil
}

func (s *MemStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = status
	r.UpdatedAt = nowMillis()
	s.runs[runID] = r
	return nil
}

func (s *MemStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return r, nil
}

func (s *MemStore) LatestRun(_ context.Context, sessionID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.runOrder[sessionID]
	if len(ids) == 0 {
		return Run{}, ErrRunNotFound
	}
	return s.runs[ids[len(ids)-1]], nil
}

func (s *MemStore) AddMessage(_ context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return Message{}, ErrSessionNotFound
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

func (s *MemStore) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]Message(nil), all...), nil
}

func (s *MemStore) AddEvent(_ context.Context, e Event) error {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[e.SessionID]; !ok {
		return ErrSessionNotFound
	}

	events := s.events[e.SessionID]
	if e.ID == 0 {
		e.ID = 1
		if n := len(events); n > 0 {
			e.ID = events[n-1].ID + 1
		}
	}
	i := sort.Search(len(events), func(i int) bool { return events[i].ID >= e.ID })
	if i < len(events) && events[i].ID == e.ID {
		return nil
	}
	events = append(events, Event{})
	copy(events[i+1:], events[i:])
	events[i] = e
	s.events[e.SessionID] = events
	return nil
}

func (s *MemStore) ListEventsSince(_ context.Context, sessionID string, sinceMs int64, limit int) ([]Event, error) {
	return s.filterEvents(sessionID, limit, func(e Event) bool { return e.Timestamp >= sinceMs }), nil
}

func (s *MemStore) ListEventsAfter(_ context.Context, sessionID string, afterID uint64, limit int) ([]Event, error) {
	return s.filterEvents(sessionID, limit, func(e Event) bool { return e.ID > afterID }), nil
}

func (s *MemStore) filterEvents(sessionID string, limit int, keep func(Event) bool) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events[sessionID] {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *MemStore) LatestEventID(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].ID, nil
}

func (s *MemStore) Prune(_ context.Context) error {
	if s.retentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retentionAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, events := range s.events {
		kept := events[:0]
		for i, e := range events {
			if e.Timestamp >= cutoff || i == len(events)-1 {
				kept = append(kept, e)
			}
		}
		s.events[id] = kept
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
