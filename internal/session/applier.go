package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
)

// Applier is the single path through which any participant turns an index
// into side effects. It tracks the last applied transition counter so live
// changes are applied exactly once and in order.
type Applier struct {
	deck      deck.Deck
	presenter Presenter
	narrator  Narrator
	log       *slog.Logger

	mu       sync.Mutex
	seq      uint64
	index    int
	applied  bool
	finished bool
}

func NewApplier(d deck.Deck, presenter Presenter, narrator Narrator, log *slog.Logger) *Applier {
	if presenter == nil {
		log.Warn("presentation updates disabled", slogError(ErrRendererUnavailable))
	}
	if narrator == nil {
		log.Warn("narration disabled", slogError(ErrNarrationUnavailable))
	}
	return &Applier{
		deck:      d,
		presenter: presenter,
		narrator:  narrator,
		log:       log,
	}
}

// OnChange applies a live change notification. A notification whose Seq is
// not exactly one past the last applied one is dropped with a *StaleError.
func (a *Applier) OnChange(change protocol.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if change.Seq != a.seq+1 {
		return &StaleError{Seq: change.Seq, Last: a.seq}
	}
	if _, ok := a.deck.At(change.New); !ok {
		return fmt.Errorf("%w: index %d outside local deck of %d slides", ErrDeckMismatch, change.New, a.deck.Len())
	}
	a.seq = change.Seq
	a.applyIndexLocked(change.New)
	return nil
}

// ApplySnapshot installs a full state unconditionally and makes its Seq the
// new baseline for live changes. A snapshot equal to the applied state has no
// side effects.
func (a *Applier) ApplySnapshot(snap protocol.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.deck.At(snap.Index); !ok {
		return fmt.Errorf("%w: index %d outside local deck of %d slides", ErrDeckMismatch, snap.Index, a.deck.Len())
	}
	if a.applied && snap.Seq == a.seq && snap.Index == a.index && snap.Finished == a.finished {
		return nil
	}
	a.seq = snap.Seq
	if snap.Finished {
		a.finished = true
		a.index = snap.Index
		a.applied = true
		a.show(snap.Index)
		a.stopNarration()
		return nil
	}
	a.applyIndexLocked(snap.Index)
	return nil
}

// Finish stops narration and marks the session as ended locally. Repeated
// calls are no-ops.
func (a *Applier) Finish() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	a.finished = true
	a.stopNarration()
	return true
}

func (a *Applier) applyIndexLocked(index int) {
	slide, _ := a.deck.At(index)
	a.index = index
	a.applied = true

	a.show(index)
	a.stopNarration()
	if slide.HasNarration() {
		a.speak(slide.Content)
	}
}

func (a *Applier) show(index int) {
	if a.presenter == nil {
		return
	}
	a.guard("show", func() { a.presenter.Show(index) })
}

func (a *Applier) stopNarration() {
	if a.narrator == nil {
		return
	}
	a.guard("stop_speaking", a.narrator.StopSpeaking)
}

func (a *Applier) speak(text string) {
	if a.narrator == nil {
		return
	}
	a.guard("speak", func() { a.narrator.Speak(text) })
}

// guard keeps a misbehaving collaborator from unwinding through the state
// machine.
func (a *Applier) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("collaborator failed", slog.String("op", op), slog.Any("panic", r))
		}
	}()
	fn()
}

// Index returns the last applied index and whether anything was applied yet.
func (a *Applier) Index() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index, a.applied
}

func (a *Applier) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

func (a *Applier) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

func (a *Applier) Speaking() bool {
	if a.narrator == nil {
		return false
	}
	return a.narrator.IsSpeaking()
}
