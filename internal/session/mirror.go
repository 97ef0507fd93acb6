package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
)

const RoleMirror = "mirror"

const (
	resyncRetryInterval = 250 * time.Millisecond
	maxCatchUpSnapshots = 5
)

type MirrorOptions struct {
	SessionID       string
	NodeID          string
	Deck            deck.Deck
	Presenter       Presenter
	Narrator        Narrator
	Link            AuthorityLink
	Recorder        Recorder
	Logger          *slog.Logger
	SnapshotTimeout time.Duration
	RequestTimeout  time.Duration
}

// Mirror follows the authority. It never changes its own index: advances are
// forwarded and only authority notifications or snapshots move it.
type Mirror struct {
	sessionID string
	nodeID    string
	deck      deck.Deck
	link      AuthorityLink
	recorder  Recorder
	applier   *Applier
	log       *slog.Logger
	inst      *instruments

	snapshotTimeout time.Duration
	requestTimeout  time.Duration

	joined    atomic.Bool
	resyncing atomic.Bool
	pending   atomic.Bool
	// seen is the highest change seq observed, applied or not.
	seen atomic.Uint64
	wg   sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

func NewMirror(opts MirrorOptions) *Mirror {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "session.mirror"), slog.String("session", opts.SessionID))
	snapTimeout := opts.SnapshotTimeout
	if snapTimeout <= 0 {
		snapTimeout = 3 * time.Second
	}
	reqTimeout := opts.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 2 * time.Second
	}
	return &Mirror{
		sessionID:       opts.SessionID,
		nodeID:          opts.NodeID,
		deck:            opts.Deck,
		link:            opts.Link,
		recorder:        opts.Recorder,
		applier:         NewApplier(opts.Deck, opts.Presenter, opts.Narrator, log),
		log:             log,
		inst:            newInstruments(log),
		snapshotTimeout: snapTimeout,
		requestTimeout:  reqTimeout,
		done:            make(chan struct{}),
	}
}

func (m *Mirror) ID() string { return m.nodeID }

// Join fetches the authority's snapshot and applies it. Changes that arrive
// before the snapshot is installed are not applied directly; when one is newer
// than the snapshot, Join starts a catch-up resync.
func (m *Mirror) Join(ctx context.Context) error {
	if err := m.sync(ctx); err != nil {
		return err
	}
	m.joined.Store(true)
	idx, _ := m.applier.Index()
	m.log.Info("joined session", slog.Int("index", idx), slog.Uint64("seq", m.applier.Seq()))
	m.record(ctx, EventSessionJoined, map[string]any{"index": idx, "seq": m.applier.Seq()})
	if m.behind() {
		m.resync()
	}
	return nil
}

func (m *Mirror) sync(ctx context.Context) error {
	if m.link == nil {
		return ErrAuthorityUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, m.snapshotTimeout)
	defer cancel()

	snap, err := m.link.Snapshot(ctx, protocol.SnapshotRequest{SessionID: m.sessionID, From: m.nodeID, Role: RoleMirror})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	if snap.Code != protocol.CodeOK {
		return ErrorFromCode(snap.Code, snap.Error)
	}
	if snap.SlideCount != m.deck.Len() {
		return fmt.Errorf("%w: authority has %d slides, local deck has %d", ErrDeckMismatch, snap.SlideCount, m.deck.Len())
	}
	if snap.DeckDigest != "" && snap.DeckDigest != m.deck.Digest() {
		return fmt.Errorf("%w: digest %s differs from local %s", ErrDeckMismatch, snap.DeckDigest, m.deck.Digest())
	}
	return m.applier.ApplySnapshot(snap)
}

// OnChange applies a change notification from the authority. Duplicates and
// reordered notifications are dropped; a gap triggers a snapshot resync.
func (m *Mirror) OnChange(ctx context.Context, change protocol.Change) {
	if change.SessionID != m.sessionID {
		return
	}
	m.observe(change.Seq)
	if !m.joined.Load() {
		// Join checks seen once its snapshot is installed.
		m.log.Debug("deferring change until joined", slog.Uint64("seq", change.Seq))
		return
	}
	err := m.applier.OnChange(change)
	if err == nil {
		m.log.Debug("applied change", slog.Int("index", change.New), slog.Uint64("seq", change.Seq))
		return
	}

	var stale *StaleError
	if !errors.As(err, &stale) {
		m.log.Error("failed to apply change", slogError(err), slog.Uint64("seq", change.Seq))
		return
	}
	m.inst.add(ctx, m.inst.stale, attribute.Bool("gap", stale.Gap()))
	m.log.Info("dropped stale notification", slog.Uint64("seq", stale.Seq), slog.Uint64("last", stale.Last))
	m.record(ctx, EventStaleNotification, map[string]any{"seq": stale.Seq, "last": stale.Last})
	if stale.Gap() {
		m.resync()
	}
}

func (m *Mirror) observe(seq uint64) {
	for {
		cur := m.seen.Load()
		if seq <= cur || m.seen.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// behind reports whether a change newer than the applied baseline was seen.
func (m *Mirror) behind() bool {
	return m.seen.Load() > m.applier.Seq()
}

// resync fetches snapshots until the mirror has caught up with every change
// it has seen. Calls made while a resync runs are folded into it.
func (m *Mirror) resync() {
	m.pending.Store(true)
	if !m.resyncing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-m.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		synced := 0
		for m.pending.Swap(false) || m.behind() {
			if synced >= maxCatchUpSnapshots {
				// The authority restarted with a lower seq; its snapshot is
				// the new baseline.
				m.log.Warn("authority seq behind observed changes, accepting snapshot",
					slog.Uint64("seen", m.seen.Load()), slog.Uint64("seq", m.applier.Seq()))
				m.seen.Store(m.applier.Seq())
				break
			}
			if err := m.sync(ctx); err != nil {
				m.log.Warn("resync failed", slogError(err))
				if errors.Is(err, ErrDeckMismatch) {
					break
				}
				select {
				case <-ctx.Done():
					m.resyncing.Store(false)
					return
				case <-time.After(resyncRetryInterval):
				}
				m.pending.Store(true)
				continue
			}
			synced++
			m.log.Info("resynced from snapshot", slog.Uint64("seq", m.applier.Seq()))
		}
		m.resyncing.Store(false)
		// A gap noticed between the last check and the flag reset.
		if m.pending.Load() && ctx.Err() == nil {
			m.resync()
		}
	}()
}

// OnFinish ends the session locally.
func (m *Mirror) OnFinish(ctx context.Context, finish protocol.Finish) {
	if finish.SessionID != m.sessionID {
		return
	}
	if m.applier.Finish() {
		m.log.Info("session finished by authority", slog.Uint64("seq", finish.Seq))
		m.record(ctx, EventSessionFinished, map[string]any{"seq": finish.Seq})
	}
}

// RequestAdvance forwards an intent to the authority. The local index only
// moves when the resulting change notification arrives.
func (m *Mirror) RequestAdvance(ctx context.Context, dir protocol.Direction) (protocol.AdvanceReply, error) {
	if dir.Delta() == 0 {
		return protocol.AdvanceReply{}, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	if m.link == nil {
		return protocol.AdvanceReply{}, ErrAuthorityUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req := protocol.AdvanceRequest{
		SessionID: m.sessionID,
		From:      m.nodeID,
		RequestID: uuid.NewString(),
		Direction: dir,
	}
	reply, err := m.link.Advance(ctx, req)
	if err != nil {
		m.log.Warn("advance not delivered", slog.String("direction", string(dir)), slogError(err))
		return protocol.AdvanceReply{}, fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	if reply.Code != protocol.CodeOK {
		return reply, ErrorFromCode(reply.Code, reply.Error)
	}
	return reply, nil
}

// RequestFinish asks the authority to end the lecture.
func (m *Mirror) RequestFinish(ctx context.Context) error {
	if m.link == nil {
		return ErrAuthorityUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	reply, err := m.link.Finish(ctx, protocol.FinishRequest{SessionID: m.sessionID, From: m.nodeID})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	return ErrorFromCode(reply.Code, reply.Error)
}

func (m *Mirror) Joined() bool { return m.joined.Load() }

func (m *Mirror) Status() Status {
	idx, _ := m.applier.Index()
	return Status{
		SessionID:  m.sessionID,
		NodeID:     m.nodeID,
		Role:       RoleMirror,
		Index:      idx,
		Seq:        m.applier.Seq(),
		SlideCount: m.deck.Len(),
		State:      Idle.String(),
		Finished:   m.applier.Finished(),
		Speaking:   m.applier.Speaking(),
	}
}

// Close waits for any in-flight resync.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Mirror) record(ctx context.Context, typ string, data map[string]any) {
	if m.recorder == nil {
		return
	}
	rec := Record{SessionID: m.sessionID, Participant: m.nodeID, Type: typ, Data: data, At: time.Now().UTC()}
	if err := m.recorder.Record(ctx, rec); err != nil {
		m.log.Warn("failed to record session event", slog.String("type", typ), slogError(err))
	}
}
