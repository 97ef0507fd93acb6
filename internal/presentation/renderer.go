// Package presentation renders the current slide for viewers attached to a
// participant.
package presentation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/deck"
)

// View is what a display surface shows for one slide.
type View struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Image     string    `json:"image,omitempty"`
	ShownAt   time.Time `json:"shown_at"`
}

// Publisher receives every view the renderer shows.
type Publisher interface {
	Publish(View)
}

// Renderer keeps the slide currently on display and forwards it to viewers.
type Renderer struct {
	sessionID string
	deck      deck.Deck
	out       Publisher
	log       *slog.Logger

	mu      sync.RWMutex
	current View
	shown   bool
	count   int
}

func NewRenderer(sessionID string, d deck.Deck, out Publisher, log *slog.Logger) *Renderer {
	return &Renderer{
		sessionID: sessionID,
		deck:      d,
		out:       out,
		log:       log.With(slog.String("component", "presentation")),
	}
}

// Show displays the slide at index. Indices outside the deck are ignored.
func (r *Renderer) Show(index int) {
	slide, ok := r.deck.At(index)
	if !ok {
		r.log.Warn("ignoring slide outside deck", slog.Int("index", index), slog.Int("slides", r.deck.Len()))
		return
	}
	view := View{
		SessionID: r.sessionID,
		Index:     index,
		Total:     r.deck.Len(),
		Title:     slide.Title,
		Content:   slide.Content,
		Image:     slide.Image,
		ShownAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.current = view
	r.shown = true
	r.count++
	r.mu.Unlock()

	r.log.Debug("showing slide", slog.Int("index", index), slog.String("title", slide.Title))
	if r.out != nil {
		r.out.Publish(view)
	}
}

// Current returns the view on display, or false before the first Show.
func (r *Renderer) Current() (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.shown
}

// Shows counts Show calls that changed the display.
func (r *Renderer) Shows() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
