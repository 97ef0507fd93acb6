package narration

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives synthesized audio and end-of-utterance notices.
type Sink interface {
	Chunk(ctx context.Context, chunk protocol.AudioChunk) error
	Done(ctx context.Context, status protocol.NarrationStatus) error
}

type Options struct {
	SessionID   string
	Participant string
	Voice       string
	Synth       Synthesizer
	Sink        Sink
	// Timeout bounds synthesis of a single utterance. Zero disables it.
	Timeout   time.Duration
	Interrupt bool
	Logger    *slog.Logger
}

// Engine turns slide text into audio. Speak returns immediately; playback is
// modelled as the synthesized audio's duration after the final chunk.
type Engine struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*utterance
	last   *utterance

	utterances metric.Int64Counter
}

type utterance struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(parent context.Context, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		opts:   opts,
		log:    log.With(slog.String("component", "narration")),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*utterance),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-lecture/narration").Int64Counter("lecture.narration.utterances",
		metric.WithDescription("Narration utterances by outcome"))
	if err != nil {
		e.log.Warn("failed to create utterance counter", slogError(err))
	}
	e.utterances = counter
	return e
}

// Speak starts narrating text. Blank text is ignored.
func (e *Engine) Speak(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	if e.opts.Interrupt {
		e.cancelAllLocked()
	}
	prev := e.last
	ctx, cancel := context.WithCancel(e.ctx)
	u := &utterance{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	e.active[u.id] = u
	e.last = u
	e.wg.Add(1)
	e.mu.Unlock()

	go e.play(ctx, u, prev, text)
}

// StopSpeaking cancels every in-flight utterance. It is a no-op when idle.
func (e *Engine) StopSpeaking() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) > 0 {
		e.log.Debug("narration stopped", slog.Int("utterances", len(e.active)))
	}
	e.cancelAllLocked()
}

func (e *Engine) cancelAllLocked() {
	for id, u := range e.active {
		u.cancel()
		delete(e.active, id)
	}
}

func (e *Engine) IsSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active) > 0
}

// Close cancels playback and waits for workers to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.cancel()
	e.cancelAllLocked()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) play(ctx context.Context, u *utterance, prev *utterance, text string) {
	defer e.wg.Done()
	defer close(u.done)
	defer func() {
		e.mu.Lock()
		delete(e.active, u.id)
		if e.last == u {
			e.last = nil
		}
		e.mu.Unlock()
		u.cancel()
	}()

	if prev != nil && !e.opts.Interrupt {
		select {
		case <-prev.done:
		case <-ctx.Done():
			e.finish(u, false, true)
			return
		}
	}

	err := e.synthesize(ctx, u, text)
	switch {
	case ctx.Err() != nil:
		e.finish(u, false, true)
	case err != nil:
		e.log.Warn("narration failed", slog.String("utterance", u.id), slogError(err))
		e.finish(u, false, false)
	default:
		e.finish(u, true, false)
	}
}

func (e *Engine) synthesize(ctx context.Context, u *utterance, text string) error {
	synthCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	chunks, errs := e.opts.Synth.Synthesize(synthCtx, SynthRequest{
		SessionID: e.opts.SessionID,
		Utterance: u.id,
		Text:      text,
		Voice:     e.opts.Voice,
	})

	var playback time.Duration
	sequence := 0
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			playback += chunk.Duration()
			e.publishChunk(ctx, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if synthErr != nil {
		return synthErr
	}

	if playback > 0 {
		timer := time.NewTimer(playback)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) publishChunk(ctx context.Context, chunk SynthChunk) {
	if e.opts.Sink == nil {
		return
	}
	packet := protocol.AudioChunk{
		SessionID:   e.opts.SessionID,
		Participant: e.opts.Participant,
		Utterance:   chunk.Utterance,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	if err := e.opts.Sink.Chunk(ctx, packet); err != nil {
		e.log.Warn("failed to publish narration chunk", slogError(err))
	}
}

func (e *Engine) finish(u *utterance, completed, cancelled bool) {
	outcome := "failed"
	switch {
	case completed:
		outcome = "completed"
	case cancelled:
		outcome = "cancelled"
	}
	if e.utterances != nil {
		e.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if e.opts.Sink == nil {
		return
	}
	status := protocol.NarrationStatus{
		SessionID:   e.opts.SessionID,
		Participant: e.opts.Participant,
		Utterance:   u.id,
		Completed:   completed,
		Cancelled:   cancelled,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.opts.Sink.Done(context.Background(), status); err != nil {
		e.log.Warn("failed to publish narration status", slogError(err))
	}
}

// BusSink publishes narration audio on the session's narration subjects.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(busClient *bus.Client) *BusSink {
	return &BusSink{bus: busClient}
}

func (s *BusSink) Chunk(_ context.Context, chunk protocol.AudioChunk) error {
	return s.bus.PublishJSON(protocol.SubjectNarrationAudio(chunk.SessionID), chunk)
}

func (s *BusSink) Done(_ context.Context, status protocol.NarrationStatus) error {
	return s.bus.PublishJSON(protocol.SubjectNarrationDone(status.SessionID), status)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
