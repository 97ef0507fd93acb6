package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/presentation"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/loqalabs/loqa-lecture/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeck() deck.Deck {
	return deck.Deck{Title: "Chemistry", Slides: []deck.Slide{
		{Title: "Intro", Content: "Welcome."},
		{Title: "Bonds", Content: "Atoms share electrons."},
	}}
}

type testServer struct {
	*httptest.Server
	authority *session.Authority
	renderer  *presentation.Renderer
}

func newTestServer(t *testing.T, ready func() (bool, string)) *testServer {
	t.Helper()
	log := discardLogger()
	d := testDeck()
	renderer := presentation.NewRenderer("chem", d, nil, log)
	authority := session.NewAuthority(session.AuthorityOptions{
		SessionID: "chem",
		NodeID:    "host",
		Deck:      d,
		Presenter: renderer,
		Logger:    log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = authority.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if ready == nil {
		ready = func() (bool, string) { return true, "" }
	}
	a := &api{
		participant: authority,
		views:       renderer,
		attendance:  authority.Participants,
		ready:       ready,
		log:         log,
	}
	srv := httptest.NewServer(a.router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, authority: authority, renderer: renderer}
}

func (s *testServer) do(t *testing.T, method, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, func() (bool, string) { return false, "not joined" })

	if code, body := srv.do(t, http.MethodGet, "/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, body := srv.do(t, http.MethodGet, "/readyz"); code != http.StatusServiceUnavailable || body != "not joined" {
		t.Fatalf("readyz = %d %q", code, body)
	}
}

func TestAdvanceEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := srv.do(t, http.MethodPost, "/api/session/advance/next")
	if code != http.StatusOK {
		t.Fatalf("advance next = %d %s", code, body)
	}
	var reply protocol.AdvanceReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.Changed || reply.Index != 1 || reply.Seq != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	code, body = srv.do(t, http.MethodPost, "/api/session/advance/next")
	if code != http.StatusOK {
		t.Fatalf("clamped advance = %d %s", code, body)
	}
	reply = protocol.AdvanceReply{}
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Changed || reply.Index != 1 {
		t.Fatalf("expected clamped reply, got %+v", reply)
	}

	if code, _ := srv.do(t, http.MethodPost, "/api/session/advance/sideways"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown direction, got %d", code)
	}
	if code, _ := srv.do(t, http.MethodGet, "/api/session/advance/next"); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET advance, got %d", code)
	}
}

func TestStatusAndSlide(t *testing.T) {
	srv := newTestServer(t, nil)
	if code, _ := srv.do(t, http.MethodPost, "/api/session/advance/next"); code != http.StatusOK {
		t.Fatalf("advance failed: %d", code)
	}

	code, body := srv.do(t, http.MethodGet, "/api/session")
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	var status session.Status
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Index != 1 || status.Role != session.RoleAuthority || status.SlideCount != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	code, body = srv.do(t, http.MethodGet, "/api/session/slide")
	if code != http.StatusOK {
		t.Fatalf("slide = %d %s", code, body)
	}
	var view presentation.View
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Index != 1 || view.Title != "Bonds" || view.Total != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestFinishEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	if code, body := srv.do(t, http.MethodPost, "/api/session/finish"); code != http.StatusOK {
		t.Fatalf("finish = %d %s", code, body)
	}
	code, body := srv.do(t, http.MethodPost, "/api/session/advance/next")
	if code != http.StatusConflict {
		t.Fatalf("expected 409 after finish, got %d %s", code, body)
	}
	if !srv.authority.Status().Finished {
		t.Fatal("expected session to be finished")
	}
}

func TestParticipantsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.authority.HandleSnapshot(context.Background(), protocol.SnapshotRequest{SessionID: "chem", From: "student-a", Role: session.RoleMirror})

	code, body := srv.do(t, http.MethodGet, "/api/session/participants")
	if code != http.StatusOK {
		t.Fatalf("participants = %d %s", code, body)
	}
	if !strings.Contains(body, `"id":"student-a"`) {
		t.Fatalf("expected student-a in %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		session.ErrInvalidDirection:     http.StatusBadRequest,
		session.ErrSessionFinished:      http.StatusConflict,
		session.ErrAuthorityUnreachable: http.StatusServiceUnavailable,
		session.ErrStopped:              http.StatusServiceUnavailable,
		context.DeadlineExceeded:        http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestReadinessWaitsForJoin(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Role = config.RoleMirror
	r := New(cfg, discardLogger())
	r.mirror = session.NewMirror(session.MirrorOptions{SessionID: "chem", NodeID: "student", Deck: testDeck(), Logger: discardLogger()})
	t.Cleanup(r.mirror.Close)

	if ok, reason := r.readiness(); ok || reason != "not joined" {
		t.Fatalf("readiness = %v %q", ok, reason)
	}
	r.ready.Store(true)
	if ok, _ := r.readiness(); !ok {
		t.Fatal("expected ready after join")
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	prev := traceOutput
	traceOutput = io.Discard
	t.Cleanup(func() { traceOutput = prev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdown, handler, err := setupTelemetry(ctx, config.Default(), discardLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected prometheus handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
