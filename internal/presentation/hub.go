package presentation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub pushes views to websocket viewers. A viewer that falls behind by more
// than the buffer size is disconnected.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	buffer       int
	log          *slog.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	last    []byte
	closed  bool
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(writeTimeout time.Duration, buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		buffer:       buffer,
		log:          log.With(slog.String("component", "presentation.hub")),
		viewers:      make(map[*viewer]struct{}),
	}
}

// Publish sends view to every connected viewer and remembers it for viewers
// that connect later.
func (h *Hub) Publish(view View) {
	data, err := json.Marshal(view)
	if err != nil {
		h.log.Error("failed to encode view", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for v := range h.viewers {
		select {
		case v.send <- data:
		default:
			h.log.Warn("dropping slow viewer", slog.String("remote", v.conn.RemoteAddr().String()))
			h.removeLocked(v)
		}
	}
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.viewers[v] = struct{}{}
	if h.last != nil {
		v.send <- h.last
	}
	h.mu.Unlock()

	h.log.Debug("viewer connected", slog.String("remote", conn.RemoteAddr().String()))
	go h.writePump(v)
	h.readPump(v)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(v *viewer) {
	defer h.remove(v)
	v.conn.SetReadLimit(512)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = v.conn.Close()
	}()
	for {
		select {
		case data, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(v)
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(v)
				return
			}
		}
	}
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(v)
}

func (h *Hub) removeLocked(v *viewer) {
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	v.once.Do(func() { close(v.send) })
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for v := range h.viewers {
		h.removeLocked(v)
	}
}
