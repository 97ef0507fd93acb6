package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/eventstore"
	"github.com/loqalabs/loqa-lecture/internal/narration"
	"github.com/loqalabs/loqa-lecture/internal/natsserver"
	"github.com/loqalabs/loqa-lecture/internal/presence"
	"github.com/loqalabs/loqa-lecture/internal/presentation"
	"github.com/loqalabs/loqa-lecture/internal/replication"
	"github.com/loqalabs/loqa-lecture/internal/session"
)

const joinRetryInterval = time.Second

// Runtime hosts one lecture participant: the authority or a mirror.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	authority *session.Authority
	mirror    *session.Mirror
	registry  *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the participant until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	d, err := deck.Load(r.cfg.Session.DeckPath)
	if err != nil {
		return fmt.Errorf("load deck: %w", err)
	}
	if err := deck.Validate(d); err != nil {
		return fmt.Errorf("invalid deck %s: %w", r.cfg.Session.DeckPath, err)
	}
	r.logger.Info("deck loaded",
		slog.String("path", r.cfg.Session.DeckPath),
		slog.Int("slides", d.Len()),
		slog.String("digest", d.Digest()))

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	defer embedded.Shutdown()
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()
	if err := store.StartSession(ctx, eventstore.SessionRecord{
		SessionID:  r.cfg.Session.ID,
		NodeID:     r.cfg.Node.ID,
		Role:       r.cfg.Node.Role,
		DeckDigest: d.Digest(),
	}); err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	recorder := eventstore.NewRecorder(store)

	var hub *presentation.Hub
	var publisher presentation.Publisher
	if r.cfg.Presentation.WebsocketEnabled {
		hub = presentation.NewHub(time.Duration(r.cfg.Presentation.WriteTimeoutMS)*time.Millisecond, r.cfg.Presentation.ViewerBuffer, r.logger)
		defer hub.Close()
		publisher = hub
	}
	renderer := presentation.NewRenderer(r.cfg.Session.ID, d, publisher, r.logger)

	var narrator session.Narrator
	if r.cfg.Narration.Enabled {
		engine, err := r.newNarration(ctx, busClient)
		if err != nil {
			return err
		}
		defer engine.Close()
		narrator = engine
	}

	participant, stopRole, err := r.startRole(ctx, d, busClient, renderer, narrator, recorder)
	if err != nil {
		return err
	}
	defer stopRole()

	registry, err := presence.NewRegistry(ctx, r.cfg.Node, r.cfg.Session.ID, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}
	defer registry.Close()
	r.registry = registry

	a := &api{
		participant: participant,
		views:       renderer,
		presence:    registry,
		metrics:     metricsHandler,
		ready:       r.readiness,
		log:         r.logger.With(slog.String("component", "http")),
	}
	if hub != nil {
		a.viewers = hub
	}
	if r.authority != nil {
		a.attendance = r.authority.Participants
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.authority != nil {
		r.ready.Store(true)
	} else {
		r.wg.Add(1)
		go r.joinLoop(ctx)
	}
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("role", r.cfg.Node.Role),
		slog.String("session", r.cfg.Session.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) newNarration(ctx context.Context, busClient *bus.Client) (*narration.Engine, error) {
	synth, err := narration.NewSynthesizer(r.cfg.Narration)
	if err != nil {
		return nil, fmt.Errorf("failed to create narration backend: %w", err)
	}
	var sink narration.Sink
	if r.cfg.Narration.PublishAudio {
		sink = narration.NewBusSink(busClient)
	}
	r.logger.Info("narration enabled", slog.String("mode", r.cfg.Narration.Mode))
	return narration.NewEngine(ctx, narration.Options{
		SessionID:   r.cfg.Session.ID,
		Participant: r.cfg.Node.ID,
		Voice:       r.cfg.Narration.Voice,
		Synth:       synth,
		Sink:        sink,
		Timeout:     time.Duration(r.cfg.Narration.TimeoutMS) * time.Millisecond,
		Interrupt:   r.cfg.Narration.InterruptOnNewSpeak,
		Logger:      r.logger,
	}), nil
}

// startRole wires the authority or mirror for this node and returns a func
// that tears it down.
func (r *Runtime) startRole(ctx context.Context, d deck.Deck, busClient *bus.Client, renderer *presentation.Renderer, narrator session.Narrator, recorder session.Recorder) (session.Participant, func(), error) {
	requestTimeout := time.Duration(r.cfg.Session.RequestTimeoutMS) * time.Millisecond

	if r.cfg.IsAuthority() {
		authority := session.NewAuthority(session.AuthorityOptions{
			SessionID:   r.cfg.Session.ID,
			NodeID:      r.cfg.Node.ID,
			Deck:        d,
			Presenter:   renderer,
			Narrator:    narrator,
			Broadcaster: replication.NewPublisher(busClient),
			Recorder:    recorder,
			QueueSize:   r.cfg.Session.QueueSize,
			Logger:      r.logger,
		})
		runCtx, stopRun := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := authority.Run(runCtx); err != nil {
				r.logger.Error("session authority failed", slog.String("error", err.Error()))
			}
		}()

		svc := replication.NewAuthorityService(ctx, r.cfg.Session.ID, authority, busClient, requestTimeout, r.logger)
		if err := svc.Start(); err != nil {
			stopRun()
			<-done
			return nil, nil, fmt.Errorf("failed to start authority service: %w", err)
		}
		r.authority = authority
		return authority, func() {
			svc.Close()
			stopRun()
			<-done
		}, nil
	}

	mirror := session.NewMirror(session.MirrorOptions{
		SessionID:       r.cfg.Session.ID,
		NodeID:          r.cfg.Node.ID,
		Deck:            d,
		Presenter:       renderer,
		Narrator:        narrator,
		Link:            replication.NewClient(busClient, r.cfg.Session.ID),
		Recorder:        recorder,
		Logger:          r.logger,
		SnapshotTimeout: time.Duration(r.cfg.Session.SnapshotTimeoutMS) * time.Millisecond,
		RequestTimeout:  requestTimeout,
	})
	svc := replication.NewMirrorService(ctx, r.cfg.Session.ID, mirror, busClient, r.logger)
	if err := svc.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start mirror service: %w", err)
	}
	r.mirror = mirror
	return mirror, func() {
		svc.Close()
		mirror.Close()
	}, nil
}

// joinLoop retries the late-join snapshot until it succeeds. A deck mismatch
// is permanent and stops the loop.
func (r *Runtime) joinLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		err := r.mirror.Join(ctx)
		if err == nil {
			r.ready.Store(true)
			return
		}
		if errors.Is(err, session.ErrDeckMismatch) {
			r.logger.Error("cannot join session", slog.String("error", err.Error()))
			return
		}
		r.logger.Warn("join failed, retrying", slog.String("error", err.Error()), slog.Duration("in", joinRetryInterval))
		select {
		case <-ctx.Done():
			return
		case <-time.After(joinRetryInterval):
		}
	}
}

func (r *Runtime) readiness() (bool, string) {
	if !r.ready.Load() {
		if r.mirror != nil {
			return false, "not joined"
		}
		return false, "not ready"
	}
	if want := r.cfg.Session.MinParticipants; want > 0 && r.registry != nil {
		if n := r.registry.Count(config.RoleMirror); n < want {
			return false, fmt.Sprintf("waiting for participants (%d/%d)", n, want)
		}
	}
	return true, ""
}
