package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a lecture timeline.
type Event struct {
	ID          int64
	SessionID   string
	Participant string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// SessionRecord describes one run of a lecture on this node.
type SessionRecord struct {
	SessionID  string
	NodeID     string
	Role       string
	DeckDigest string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Attendance is a participant's presence in a session.
type Attendance struct {
	SessionID   string
	Participant string
	Role        string
	JoinedAt    time.Time
	LeftAt      time.Time
}

// Store is a SQLite-backed lecture timeline. In ephemeral mode every write is
// dropped and reads return nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
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
    node_id TEXT NOT NULL,
    role TEXT NOT NULL,
    deck_digest TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    participant TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at, id);
CREATE TABLE IF NOT EXISTS participants (
    session_id TEXT NOT NULL,
    participant TEXT NOT NULL,
    role TEXT,
    joined_at INTEGER NOT NULL,
    left_at INTEGER,
    PRIMARY KEY(session_id, participant),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
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

// StartSession creates or refreshes the session row. Restarting a session
// clears its finish time.
func (s *Store) StartSession(ctx context.Context, rec SessionRecord) error {
	if s.disabled() {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, role, deck_digest, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id, role=excluded.role,
		     deck_digest=excluded.deck_digest, finished_at=NULL`,
		rec.SessionID, rec.NodeID, rec.Role, rec.DeckDigest, rec.StartedAt.UnixNano())
	return err
}

// FinishSession stamps the session and every attendee still present.
func (s *Store) FinishSession(ctx context.Context, sessionID string, at time.Time) error {
	if s.disabled() {
		return nil
	}
	if at.IsZero() {
		at = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET finished_at = ? WHERE session_id = ? AND finished_at IS NULL`, at.UnixNano(), sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE participants SET left_at = ? WHERE session_id = ? AND left_at IS NULL`, at.UnixNano(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSession returns the session row, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.disabled() {
		return SessionRecord{}, sql.ErrNoRows
	}
	var rec SessionRecord
	var digest sql.NullString
	var started int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, node_id, role, deck_digest, started_at, finished_at FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.NodeID, &rec.Role, &digest, &started, &finished)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.DeckDigest = digest.String
	rec.StartedAt = fromNanos(started)
	if finished.Valid {
		rec.FinishedAt = fromNanos(finished.Int64)
	}
	return rec, nil
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, participant, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Participant, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListSessionEvents returns up to limit events in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, participant, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var participant sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &participant, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Participant = participant.String
		e.CreatedAt = fromNanos(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordJoin stores the first time a participant joined. Later joins keep the
// original time and clear any leave time.
func (s *Store) RecordJoin(ctx context.Context, a Attendance) error {
	if s.disabled() {
		return nil
	}
	if a.JoinedAt.IsZero() {
		a.JoinedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants(session_id, participant, role, joined_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id, participant) DO UPDATE SET left_at = NULL`,
		a.SessionID, a.Participant, a.Role, a.JoinedAt.UnixNano())
	return err
}

// ListParticipants returns attendance ordered by join time.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]Attendance, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, participant, role, joined_at, left_at FROM participants
		 WHERE session_id = ? ORDER BY joined_at ASC, participant ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attendance
	for rows.Next() {
		var a Attendance
		var role sql.NullString
		var joined int64
		var left sql.NullInt64
		if err := rows.Scan(&a.SessionID, &a.Participant, &role, &joined, &left); err != nil {
			return nil, err
		}
		a.Role = role.String
		a.JoinedAt = fromNanos(joined)
		if left.Valid {
			a.LeftAt = fromNanos(left.Int64)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune applies configured retention.
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
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database handle.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
