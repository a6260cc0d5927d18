package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// DefaultPruneSchedule is used when retention is enabled without a schedule.
const DefaultPruneSchedule = "@every 1h"

var pruneScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParsePruneSchedule validates a retention prune schedule. Standard five
// field expressions and descriptors such as "@every 30m" are accepted.
func ParsePruneSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("prune schedule is required")
	}
	schedule, err := pruneScheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule: %w", err)
	}
	return schedule, nil
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = keep forever).
	RetentionAge time.Duration

	// PruneSchedule is the cron expression driving background pruning
	// (default DefaultPruneSchedule). Ignored when RetentionAge is 0.
	PruneSchedule string

	Logger *slog.Logger
}

// SQLiteStore persists sessions, runs, messages, and events to SQLite.
// It runs in WAL mode and, when retention is configured, prunes old events
// on a cron schedule.
type SQLiteStore struct {
	db     *sql.DB
	cfg    SQLiteStoreConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewSQLiteStore opens (or creates) a SQLite store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlitestore: dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One connection keeps per-connection pragmas in force and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, logger: logger}

	if cfg.RetentionAge > 0 {
		expr := cfg.PruneSchedule
		if strings.TrimSpace(expr) == "" {
			expr = DefaultPruneSchedule
		}
		schedule, err := ParsePruneSchedule(expr)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %w", err)
		}
		s.cron = cron.New(cron.WithParser(pruneScheduleParser))
		s.cron.Schedule(schedule, cron.FuncJob(s.pruneJob))
		s.cron.Start()
	}

	return s, nil
}

func (s *SQLiteStore) pruneJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Prune(ctx); err != nil {
		s.logger.Error("event prune failed", "error", err)
	}
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = nowMillis()
	}
	if sess.ParentID != "" {
		if _, err := s.GetSession(ctx, sess.ParentID); err != nil {
			return Session{}, err
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, cwd, parent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Cwd, nullString(sess.ParentID), sess.CreatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("sqlitestore: create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, cwd, parent_id, created_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("sqlitestore: get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, parentID string, limit int) ([]Session, error) {
	query := `SELECT id, title, cwd, parent_id, created_at FROM sessions WHERE parent_id IS NULL`
	var args []any
	if parentID != "" {
		query = `SELECT id, title, cwd, parent_id, created_at FROM sessions WHERE parent_id = ?`
		args = append(args, parentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := nowMillis()
	r.Status = RunStarting
	r.CreatedAt = now
	r.UpdatedAt = now
	r.AllowedTools = append([]string(nil), r.AllowedTools...)

	toolsJSON, err := json.Marshal(r.AllowedTools)
	if err != nil {
		return Run{}, fmt.Errorf("sqlitestore: marshal allowed tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, status, model, auto_approve, max_steps, allowed_tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(r.Status), r.Model, boolInt(r.AutoApprove), r.MaxSteps,
		string(toolsJSON), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return Run{}, ErrSessionNotFound
		}
		return Run{}, fmt.Errorf("sqlitestore: create run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMillis(), runID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: update run status: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, session_id, status, model, auto_approve, max_steps, allowed_tools, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	return s.scanRunRow(row, "get run")
}

func (s *SQLiteStore) LatestRun(ctx context.Context, sessionID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID)
	return s.scanRunRow(row, "latest run")
}

func (s *SQLiteStore) scanRunRow(row *sql.Row, op string) (Run, error) {
	var (
		r         Run
		status    string
		auto      int
		toolsJSON string
	)
	err := row.Scan(&r.ID, &r.SessionID, &status, &r.Model, &auto, &r.MaxSteps, &toolsJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("sqlitestore: %s: %w", op, err)
	}
	r.Status = RunStatus(status)
	r.AutoApprove = auto != 0
	if toolsJSON != "" && toolsJSON != "[]" && toolsJSON != "null" {
		if err := json.Unmarshal([]byte(toolsJSON), &r.AllowedTools); err != nil {
			return Run{}, fmt.Errorf("sqlitestore: %s: unmarshal allowed tools: %w", op, err)
		}
	}
	return r, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.RunID, string(m.Role), m.Content, m.CreatedAt,
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return Message{}, ErrSessionNotFound
		}
		return Message{}, fmt.Errorf("sqlitestore: add message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, run_id, role, content, created_at
	          FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RunID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddEvent(ctx context.Context, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}

	if e.ID == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO events (session_id, id, type, payload, ts, source, correlation_id)
			 SELECT ?, COALESCE(MAX(id), 0) + 1, ?, ?, ?, ?, ? FROM events WHERE session_id = ?`,
			e.SessionID, e.Type, string(payloadJSON), e.Timestamp, e.Source, e.CorrelationID, e.SessionID,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (session_id, id, type, payload, ts, source, correlation_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.SessionID, int64(e.ID), e.Type, string(payloadJSON), e.Timestamp, e.Source, e.CorrelationID, // #nosec G115 -- ids are far below MaxInt64
		)
	}
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("sqlitestore: add event: %w", err)
	}
	return nil
}

const eventColumns = `session_id, id, type, payload, ts, source, correlation_id`

func (s *SQLiteStore) ListEventsSince(ctx context.Context, sessionID string, sinceMs int64, limit int) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND ts >= ? ORDER BY id ASC`,
		limit, sessionID, sinceMs)
}

func (s *SQLiteStore) ListEventsAfter(ctx context.Context, sessionID string, afterID uint64, limit int) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND id > ? ORDER BY id ASC`,
		limit, sessionID, int64(afterID)) // #nosec G115 -- ids are far below MaxInt64
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, limit int, args ...any) ([]Event, error) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) LatestEventID(ctx context.Context, sessionID string) (uint64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest event id: %w", err)
	}
	if !id.Valid || id.Int64 < 0 {
		return 0, nil
	}
	return uint64(id.Int64), nil // #nosec G115 -- checked non-negative above
}

// Prune runs a single pruning pass.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixMilli()
	// Each session's newest event survives so ids never restart after a prune.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events
		 WHERE ts < ?
		   AND id < (SELECT MAX(e.id) FROM events e WHERE e.session_id = events.session_id)`,
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: prune by age: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("pruned events", "count", n, "retention", s.cfg.RetentionAge.String())
	}
	return nil
}

// Close stops background pruning and closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess   Session
		parent sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Cwd, &parent, &sess.CreatedAt); err != nil {
		return Session{}, err
	}
	sess.ParentID = parent.String
	return sess, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e           Event
			id          int64
			payloadJSON string
		)
		if err := rows.Scan(&e.SessionID, &id, &e.Type, &payloadJSON, &e.Timestamp, &e.Source, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.ID = uint64(id) // #nosec G115 -- ids are stored from uint64 values
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
