package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "s", Type: "x"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.StartSession(ctx, SessionRecord{SessionID: "chem101", NodeID: "host", Role: "authority", DeckDigest: "abc"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, typ := range []string{"slide.changed", "slide.changed", "advance.clamped"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "chem101", Participant: "host", Type: typ, Payload: []byte(`{"new":1}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "chem101", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[2].Type != "advance.clamped" || events[0].Participant != "host" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if string(events[0].Payload) != `{"new":1}` {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}

	rec, err := es.GetSession(ctx, "chem101")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.DeckDigest != "abc" || !rec.FinishedAt.IsZero() {
		t.Fatalf("unexpected session: %+v", rec)
	}
	if _, err := es.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestRecorderTracksAttendance(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	start := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	if err := es.StartSession(ctx, SessionRecord{SessionID: "chem101", NodeID: "host", Role: "authority", StartedAt: start}); err != nil {
		t.Fatalf("start session: %v", err)
	}

	r := NewRecorder(es)
	records := []session.Record{
		{SessionID: "chem101", Participant: "host", Type: session.EventParticipantJoined, Data: map[string]any{"participant": "student-a", "role": "mirror"}, At: start.Add(time.Minute)},
		{SessionID: "chem101", Participant: "host", Type: session.EventParticipantJoined, Data: map[string]any{"participant": "student-a", "role": "mirror"}, At: start.Add(20 * time.Minute)},
		{SessionID: "chem101", Participant: "host", Type: session.EventSlideChanged, Data: map[string]any{"old": 0, "new": 1}, At: start.Add(30 * time.Minute)},
		{SessionID: "chem101", Participant: "host", Type: session.EventSessionFinished, At: start.Add(time.Hour)},
	}
	for _, rec := range records {
		if err := r.Record(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", rec.Type, err)
		}
	}

	attendance, err := es.ListParticipants(ctx, "chem101")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(attendance) != 1 {
		t.Fatalf("expected one participant, got %d", len(attendance))
	}
	a := attendance[0]
	if !a.JoinedAt.Equal(start.Add(time.Minute)) || !a.LeftAt.Equal(start.Add(time.Hour)) || a.Role != "mirror" {
		t.Fatalf("unexpected attendance: %+v", a)
	}

	sess, err := es.GetSession(ctx, "chem101")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.FinishedAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected finish time: %v", sess.FinishedAt)
	}

	events, err := es.ListSessionEvents(ctx, "chem101", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 || events[3].Payload != nil {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, SessionRecord{SessionID: "old", NodeID: "host", Role: "authority"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old", Type: "slide.changed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, SessionRecord{SessionID: "new", NodeID: "host", Role: "authority"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if events, _ := es.ListSessionEvents(ctx, "old", 10); len(events) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(events))
	}
	if _, err := es.GetSession(ctx, "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	if _, err := es.GetSession(ctx, "new"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
