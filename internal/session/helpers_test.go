package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func threeSlides() deck.Deck {
	return deck.Deck{
		Title: "Organic chemistry",
		Slides: []deck.Slide{
			{Title: "Intro", Content: "Welcome to the lecture."},
			{Title: "Bonds", Content: "Covalent bonds share electrons."},
			{Title: "Summary", Content: "That is all for today."},
		},
	}
}

// recorder captures collaborator calls in order.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	speaking bool
}

func (r *recorder) Show(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("show:%d", index))
}

func (r *recorder) Speak(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking = true
	r.calls = append(r.calls, "speak:"+text)
}

func (r *recorder) StopSpeaking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking = false
	r.calls = append(r.calls, "stop")
}

func (r *recorder) IsSpeaking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaking
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type panicky struct{}

func (panicky) Show(int)         { panic("display lost") }
func (panicky) Speak(string)     { panic("audio device gone") }
func (panicky) StopSpeaking()    { panic("audio device gone") }
func (panicky) IsSpeaking() bool { return false }

// hub is an in-memory replication channel. Broadcasts fan out synchronously
// to every attached mirror; link calls go straight to the authority handlers.
type hub struct {
	mu        sync.Mutex
	authority *Authority
	mirrors   []*Mirror
	changes   []protocol.Change
	finishes  []protocol.Finish
	drop      func(protocol.Change) bool
}

func (h *hub) attach(m *Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrors = append(h.mirrors, m)
}

func (h *hub) targets() []*Mirror {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Mirror(nil), h.mirrors...)
}

func (h *hub) BroadcastChange(ctx context.Context, change protocol.Change) error {
	h.mu.Lock()
	h.changes = append(h.changes, change)
	drop := h.drop
	h.mu.Unlock()
	if drop != nil && drop(change) {
		return nil
	}
	for _, m := range h.targets() {
		m.OnChange(ctx, change)
	}
	return nil
}

func (h *hub) BroadcastFinish(ctx context.Context, finish protocol.Finish) error {
	h.mu.Lock()
	h.finishes = append(h.finishes, finish)
	h.mu.Unlock()
	for _, m := range h.targets() {
		m.OnFinish(ctx, finish)
	}
	return nil
}

func (h *hub) Changes() []protocol.Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Change(nil), h.changes...)
}

func (h *hub) Advance(ctx context.Context, req protocol.AdvanceRequest) (protocol.AdvanceReply, error) {
	return h.authority.HandleAdvance(ctx, req), nil
}

func (h *hub) Snapshot(ctx context.Context, req protocol.SnapshotRequest) (protocol.Snapshot, error) {
	return h.authority.HandleSnapshot(ctx, req), nil
}

func (h *hub) Finish(ctx context.Context, req protocol.FinishRequest) (protocol.FinishReply, error) {
	return h.authority.HandleFinish(ctx, req), nil
}

var errNoRoute = errors.New("no route to authority")

type deadLink struct{}

func (deadLink) Advance(context.Context, protocol.AdvanceRequest) (protocol.AdvanceReply, error) {
	return protocol.AdvanceReply{}, errNoRoute
}

func (deadLink) Snapshot(context.Context, protocol.SnapshotRequest) (protocol.Snapshot, error) {
	return protocol.Snapshot{}, errNoRoute
}

func (deadLink) Finish(context.Context, protocol.FinishRequest) (protocol.FinishReply, error) {
	return protocol.FinishReply{}, errNoRoute
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Type)
	}
	return out
}

type fixture struct {
	hub       *hub
	authority *Authority
	local     *recorder
}

// startAuthority runs an authority over d until the test ends.
func startAuthority(t *testing.T, d deck.Deck, rec Recorder) *fixture {
	t.Helper()
	h := &hub{}
	local := &recorder{}
	a := NewAuthority(AuthorityOptions{
		SessionID:   "lecture",
		NodeID:      "host",
		Deck:        d,
		Presenter:   local,
		Narrator:    local,
		Broadcaster: h,
		Recorder:    rec,
		Logger:      testLogger(),
	})
	h.authority = a

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("authority did not stop")
		}
	})
	require.Eventually(t, func() bool {
		_, ok := a.applier.Index()
		return ok
	}, time.Second, 5*time.Millisecond)
	return &fixture{hub: h, authority: a, local: local}
}

func (f *fixture) joinMirror(t *testing.T, id string) (*Mirror, *recorder) {
	t.Helper()
	r := &recorder{}
	m := NewMirror(MirrorOptions{
		SessionID: "lecture",
		NodeID:    id,
		Deck:      f.authority.deck,
		Presenter: r,
		Narrator:  r,
		Link:      f.hub,
		Logger:    testLogger(),
	})
	f.hub.attach(m)
	require.NoError(t, m.Join(context.Background()))
	t.Cleanup(m.Close)
	return m, r
}

func advance(t *testing.T, p Participant, dir protocol.Direction) protocol.AdvanceReply {
	t.Helper()
	reply, err := p.RequestAdvance(context.Background(), dir)
	require.NoError(t, err)
	return reply
}
