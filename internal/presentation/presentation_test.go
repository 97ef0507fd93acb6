package presentation

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-lecture/internal/deck"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeck() deck.Deck {
	return deck.Deck{Slides: []deck.Slide{
		{Title: "Intro", Content: "Welcome", Image: "intro.png"},
		{Title: "Bonds", Content: "Covalent"},
	}}
}

type captured struct{ views []View }

func (c *captured) Publish(v View) { c.views = append(c.views, v) }

func TestRendererShow(t *testing.T) {
	out := &captured{}
	r := NewRenderer("chem101", testDeck(), out, testLogger())

	if _, ok := r.Current(); ok {
		t.Fatal("expected no view before first Show")
	}
	r.Show(0)
	r.Show(1)
	r.Show(5)

	view, ok := r.Current()
	if !ok || view.Index != 1 || view.Title != "Bonds" || view.Total != 2 {
		t.Fatalf("unexpected current view: %+v", view)
	}
	if r.Shows() != 2 || len(out.views) != 2 {
		t.Fatalf("expected two published views, got %d", len(out.views))
	}
	if out.views[0].Image != "intro.png" || out.views[0].SessionID != "chem101" {
		t.Fatalf("unexpected first view: %+v", out.views[0])
	}
}

func readView(t *testing.T, conn *websocket.Conn) View {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func TestHubSendsCurrentAndLiveViews(t *testing.T) {
	hub := NewHub(time.Second, 4, testLogger())
	defer hub.Close()
	r := NewRenderer("chem101", testDeck(), hub, testLogger())
	r.Show(0)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if v := readView(t, conn); v.Index != 0 || v.Title != "Intro" {
		t.Fatalf("expected current view on connect, got %+v", v)
	}

	r.Show(1)
	if v := readView(t, conn); v.Index != 1 || v.Content != "Covalent" {
		t.Fatalf("expected live view, got %+v", v)
	}
	if hub.Viewers() != 1 {
		t.Fatalf("expected one viewer, got %d", hub.Viewers())
	}
}

func TestHubForgetsDisconnectedViewers(t *testing.T) {
	hub := NewHub(time.Second, 4, testLogger())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Viewers() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()
	for hub.Viewers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Viewers() != 0 {
		t.Fatalf("expected viewer removed, got %d", hub.Viewers())
	}
}
