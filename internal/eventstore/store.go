package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-intake/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event types written by the session service.
const (
	TypeSessionStarted      = "session.started"
	TypeTranscriptFinal     = "transcript.final"
	TypeExtractionSucceeded = "extraction.succeeded"
	TypeExtractionFailed    = "extraction.failed"
	TypeRecognitionError    = "recognition.error"
)

// Session statuses as stored in the sessions table.
const (
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// statusAfter maps an event type to the session status it leads to. Terminal
// statuses also stamp ended_at.
var statusAfter = map[string]struct {
	status   string
	terminal bool
}{
	TypeSessionStarted:      {StatusListening, false},
	TypeTranscriptFinal:     {StatusProcessing, false},
	TypeExtractionSucceeded: {StatusCompleted, true},
	TypeExtractionFailed:    {StatusFailed, true},
	TypeRecognitionError:    {StatusFailed, true},
}

// Event is one recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session summarises one intake session.
type Session struct {
	ID        string
	Status    string
	CreatedAt time.Time
	EndedAt   time.Time
	Events    int
}

// Store is the SQLite timeline of intake sessions. In ephemeral mode it
// keeps nothing and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an event of type typ with payload encoded as JSON and moves
// the session to the status that event implies. session.started creates the
// session row; any other type for an unknown session fails.
func (s *Store) Record(ctx context.Context, sessionID, traceID, typ string, payload any) error {
	if s.disabled() {
		return nil
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
	}

	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	next, known := statusAfter[typ]
	if typ == TypeSessionStarted {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions(session_id, status, privacy_scope, created_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, ended_at=NULL`,
			sessionID, StatusListening, s.cfg.RetentionMode, now)
		if err != nil {
			return fmt.Errorf("append session: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, nullable(traceID), typ, data, now); err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	if known && typ != TypeSessionStarted {
		var endedAt any
		if next.terminal {
			endedAt = now
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at) WHERE session_id = ?`,
			next.status, endedAt, sessionID); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
	}
	return tx.Commit()
}

// ListSessionEvents returns a session's events oldest first. A limit of zero
// or less returns all of them.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID sql.NullString
		var created any
		if err := rows.Scan(&e.ID, &e.SessionID, &traceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.CreatedAt = scanTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.status, s.created_at, s.ended_at,
		        (SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id)
		 FROM sessions s ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, ended any
		if err := rows.Scan(&sess.ID, &sess.Status, &created, &ended, &sess.Events); err != nil {
			return nil, err
		}
		sess.CreatedAt = scanTime(created)
		sess.EndedAt = scanTime(ended)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune deletes sessions older than the retention window and trims the
// table to the newest max_sessions. Events follow through the cascade.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return scanTime(string(t))
	}
	return time.Time{}
}
