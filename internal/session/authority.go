package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const RoleAuthority = "authority"

// AuthorityOptions wires an Authority to its collaborators. Presenter,
// Narrator, Broadcaster and Recorder may be nil.
type AuthorityOptions struct {
	SessionID   string
	NodeID      string
	Deck        deck.Deck
	Presenter   Presenter
	Narrator    Narrator
	Broadcaster Broadcaster
	Recorder    Recorder
	QueueSize   int
	Logger      *slog.Logger
}

// Authority owns the session index. All mutations pass through ApplyAdvance,
// serialized by writeMu; requests from any caller are queued in arrival order
// and drained by Run.
type Authority struct {
	sessionID string
	nodeID    string
	deck      deck.Deck
	out       Broadcaster
	recorder  Recorder
	applier   *Applier
	log       *slog.Logger
	inst      *instruments
	tracer    trace.Tracer
	clock     func() time.Time

	queue   chan job
	stopped chan struct{}
	running atomic.Bool

	writeMu sync.Mutex

	mu           sync.RWMutex
	index        int
	seq          uint64
	state        State
	target       int
	finished     bool
	finishedAt   time.Time
	participants map[string]*attendance
}

type jobKind int

const (
	jobAdvance jobKind = iota
	jobFinish
)

type job struct {
	ctx   context.Context
	kind  jobKind
	dir   protocol.Direction
	from  string
	reply chan jobResult
}

type jobResult struct {
	reply protocol.AdvanceReply
	err   error
}

type attendance struct {
	id       string
	role     string
	joinedAt time.Time
}

// Attendance reports when a participant joined and how long it attended.
type Attendance struct {
	ID       string        `json:"id"`
	Role     string        `json:"role,omitempty"`
	JoinedAt time.Time     `json:"joined_at"`
	Duration time.Duration `json:"duration"`
}

func NewAuthority(opts AuthorityOptions) *Authority {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "session.authority"), slog.String("session", opts.SessionID))
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Authority{
		sessionID:    opts.SessionID,
		nodeID:       opts.NodeID,
		deck:         opts.Deck,
		out:          opts.Broadcaster,
		recorder:     opts.Recorder,
		applier:      NewApplier(opts.Deck, opts.Presenter, opts.Narrator, log),
		log:          log,
		inst:         newInstruments(log),
		tracer:       otel.Tracer(instrumentationName),
		clock:        time.Now,
		queue:        make(chan job, size),
		stopped:      make(chan struct{}),
		participants: make(map[string]*attendance),
	}
}

// Run applies the initial slide and then drains the request queue until ctx
// is cancelled. It may be called once.
func (a *Authority) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("authority already running")
	}
	defer close(a.stopped)

	if err := a.applier.ApplySnapshot(a.snapshot()); err != nil {
		return fmt.Errorf("apply initial slide: %w", err)
	}
	a.log.Info("session started", slog.Int("slides", a.deck.Len()))

	for {
		select {
		case <-ctx.Done():
			a.log.Info("session authority stopping")
			return nil
		case j := <-a.queue:
			a.process(j)
		}
	}
}

func (a *Authority) process(j job) {
	var res jobResult
	if err := j.ctx.Err(); err != nil {
		res.err = err
	} else {
		switch j.kind {
		case jobAdvance:
			res.reply, res.err = a.ApplyAdvance(j.ctx, j.dir)
		case jobFinish:
			res.err = a.applyFinish(j.ctx)
		}
	}
	j.reply <- res
}

func (a *Authority) submit(ctx context.Context, j job) (protocol.AdvanceReply, error) {
	j.ctx = ctx
	j.reply = make(chan jobResult, 1)
	select {
	case a.queue <- j:
	case <-ctx.Done():
		return protocol.AdvanceReply{}, ctx.Err()
	case <-a.stopped:
		return protocol.AdvanceReply{}, ErrStopped
	}
	select {
	case res := <-j.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return protocol.AdvanceReply{}, ctx.Err()
	case <-a.stopped:
		return protocol.AdvanceReply{}, ErrStopped
	}
}

func (a *Authority) ID() string { return a.nodeID }

// RequestAdvance queues a local advance intent and waits for its outcome.
func (a *Authority) RequestAdvance(ctx context.Context, dir protocol.Direction) (protocol.AdvanceReply, error) {
	return a.submit(ctx, job{kind: jobAdvance, dir: dir, from: a.nodeID})
}

// HandleAdvance serves an advance forwarded by another participant.
func (a *Authority) HandleAdvance(ctx context.Context, req protocol.AdvanceRequest) protocol.AdvanceReply {
	if req.SessionID != "" && req.SessionID != a.sessionID {
		return protocol.AdvanceReply{Code: protocol.CodeBadRequest, Error: fmt.Sprintf("unknown session %q", req.SessionID)}
	}
	reply, err := a.submit(ctx, job{kind: jobAdvance, dir: req.Direction, from: req.From})
	if err != nil {
		reply.Code = CodeOf(err)
		reply.Error = err.Error()
	}
	return reply
}

// ApplyAdvance validates and applies one transition. Out-of-range requests
// are clamped to a no-op: the index is unchanged and nothing is broadcast.
func (a *Authority) ApplyAdvance(ctx context.Context, dir protocol.Direction) (protocol.AdvanceReply, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	ctx, span := a.tracer.Start(ctx, "session.ApplyAdvance",
		trace.WithAttributes(attribute.String("lecture.session", a.sessionID), attribute.String("lecture.direction", string(dir))))
	defer span.End()

	a.mu.Lock()
	current := protocol.AdvanceReply{Index: a.index, Seq: a.seq}
	if a.finished {
		a.mu.Unlock()
		current.Code = protocol.CodeFinished
		return current, ErrSessionFinished
	}
	target, err := step(a.index, a.deck.Len(), dir)
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, ErrOutOfRange) {
			a.inst.add(ctx, a.inst.noops, attribute.String("direction", string(dir)))
			a.log.Debug("advance clamped", slog.String("direction", string(dir)), slog.Int("index", current.Index))
			a.record(ctx, EventAdvanceClamped, map[string]any{"direction": dir, "index": current.Index})
			return current, nil
		}
		span.SetStatus(codes.Error, err.Error())
		current.Code = CodeOf(err)
		return current, err
	}

	old := a.index
	a.state = Transitioning
	a.target = target
	a.index = target
	a.seq++
	change := protocol.Change{
		SessionID: a.sessionID,
		Seq:       a.seq,
		Old:       old,
		New:       target,
		Timestamp: a.clock().UTC(),
	}
	a.mu.Unlock()

	a.broadcastChange(ctx, change)
	if err := a.applier.OnChange(change); err != nil {
		a.log.Error("local apply failed", slogError(err))
	}

	a.mu.Lock()
	a.state = Idle
	a.mu.Unlock()

	span.SetAttributes(attribute.Int("lecture.index", target), attribute.Int64("lecture.seq", int64(change.Seq)))
	a.inst.add(ctx, a.inst.transitions, attribute.String("direction", string(dir)))
	a.log.Info("slide changed", slog.Int("old", old), slog.Int("new", target), slog.Uint64("seq", change.Seq))
	a.record(ctx, EventSlideChanged, map[string]any{"old": old, "new": target, "seq": change.Seq})

	return protocol.AdvanceReply{Index: target, Seq: change.Seq, Changed: true}, nil
}

func step(index, count int, dir protocol.Direction) (int, error) {
	delta := dir.Delta()
	if delta == 0 {
		return index, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	target := index + delta
	if target < 0 || target >= count {
		return index, ErrOutOfRange
	}
	return target, nil
}

func (a *Authority) broadcastChange(ctx context.Context, change protocol.Change) {
	if a.out == nil {
		return
	}
	if err := a.out.BroadcastChange(ctx, change); err != nil {
		// Mirrors recover through the sequence gap on the next change.
		a.log.Warn("failed to broadcast change", slogError(err), slog.Uint64("seq", change.Seq))
	}
}

// HandleSnapshot serves the current state to a joining participant and
// records its attendance.
func (a *Authority) HandleSnapshot(ctx context.Context, req protocol.SnapshotRequest) protocol.Snapshot {
	if req.SessionID != "" && req.SessionID != a.sessionID {
		return protocol.Snapshot{SessionID: req.SessionID, Code: protocol.CodeBadRequest, Error: fmt.Sprintf("unknown session %q", req.SessionID)}
	}
	snap := a.snapshot()
	if req.From != "" && req.From != a.nodeID {
		a.join(ctx, req.From, req.Role)
	}
	a.inst.add(ctx, a.inst.snapshots)
	return snap
}

// Snapshot returns the authority's current state.
func (a *Authority) Snapshot() protocol.Snapshot { return a.snapshot() }

func (a *Authority) snapshot() protocol.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return protocol.Snapshot{
		SessionID:  a.sessionID,
		Index:      a.index,
		Seq:        a.seq,
		SlideCount: a.deck.Len(),
		DeckDigest: a.deck.Digest(),
		Finished:   a.finished,
	}
}

func (a *Authority) join(ctx context.Context, id, role string) {
	a.mu.Lock()
	_, known := a.participants[id]
	if !known {
		a.participants[id] = &attendance{id: id, role: role, joinedAt: a.clock()}
	}
	a.mu.Unlock()
	if known {
		return
	}
	a.log.Info("participant joined", slog.String("participant", id), slog.String("role", role))
	a.record(ctx, EventParticipantJoined, map[string]any{"participant": id, "role": role})
}

// RequestFinish ends the lecture through the same queue as advances.
func (a *Authority) RequestFinish(ctx context.Context) error {
	_, err := a.submit(ctx, job{kind: jobFinish, from: a.nodeID})
	return err
}

// HandleFinish serves a finish request forwarded by another participant.
func (a *Authority) HandleFinish(ctx context.Context, req protocol.FinishRequest) protocol.FinishReply {
	if req.SessionID != "" && req.SessionID != a.sessionID {
		return protocol.FinishReply{Code: protocol.CodeBadRequest, Error: fmt.Sprintf("unknown session %q", req.SessionID)}
	}
	if _, err := a.submit(ctx, job{kind: jobFinish, from: req.From}); err != nil {
		return protocol.FinishReply{Code: CodeOf(err), Error: err.Error()}
	}
	return protocol.FinishReply{Finished: true}
}

func (a *Authority) applyFinish(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return nil
	}
	a.finished = true
	a.finishedAt = a.clock()
	msg := protocol.Finish{SessionID: a.sessionID, Seq: a.seq, Timestamp: a.finishedAt.UTC()}
	a.mu.Unlock()

	a.applier.Finish()
	if a.out != nil {
		if err := a.out.BroadcastFinish(ctx, msg); err != nil {
			a.log.Warn("failed to broadcast finish", slogError(err))
		}
	}

	attended := a.Participants()
	data := map[string]any{"seq": msg.Seq, "participants": len(attended)}
	for _, p := range attended {
		a.log.Info("participant attendance", slog.String("participant", p.ID), slog.Duration("duration", p.Duration))
	}
	a.log.Info("session finished", slog.Uint64("seq", msg.Seq))
	a.record(ctx, EventSessionFinished, data)
	return nil
}

// Participants lists joined participants ordered by join time. Durations run
// until the session finished, or until now while it is live.
func (a *Authority) Participants() []Attendance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	end := a.clock()
	if a.finished {
		end = a.finishedAt
	}
	out := make([]Attendance, 0, len(a.participants))
	for _, p := range a.participants {
		out = append(out, Attendance{ID: p.id, Role: p.role, JoinedAt: p.joinedAt, Duration: end.Sub(p.joinedAt)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Status reports the authoritative state.
func (a *Authority) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		SessionID:  a.sessionID,
		NodeID:     a.nodeID,
		Role:       RoleAuthority,
		Index:      a.index,
		Seq:        a.seq,
		SlideCount: a.deck.Len(),
		State:      a.state.String(),
		Finished:   a.finished,
		Speaking:   a.applier.Speaking(),
	}
}

func (a *Authority) record(ctx context.Context, typ string, data map[string]any) {
	if a.recorder == nil {
		return
	}
	rec := Record{SessionID: a.sessionID, Participant: a.nodeID, Type: typ, Data: data, At: a.clock().UTC()}
	if err := a.recorder.Record(ctx, rec); err != nil {
		a.log.Warn("failed to record session event", slog.String("type", typ), slogError(err))
	}
}
