// Package replication carries session changes and snapshot requests over
// NATS subjects.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Handler serves requests addressed to the authority.
type Handler interface {
	HandleAdvance(ctx context.Context, req protocol.AdvanceRequest) protocol.AdvanceReply
	HandleSnapshot(ctx context.Context, req protocol.SnapshotRequest) protocol.Snapshot
	HandleFinish(ctx context.Context, req protocol.FinishRequest) protocol.FinishReply
}

// Follower consumes authority broadcasts.
type Follower interface {
	OnChange(ctx context.Context, change protocol.Change)
	OnFinish(ctx context.Context, finish protocol.Finish)
}

// Publisher broadcasts authority events to every subscribed participant.
type Publisher struct {
	bus *bus.Client
}

func NewPublisher(busClient *bus.Client) *Publisher {
	return &Publisher{bus: busClient}
}

func (p *Publisher) BroadcastChange(_ context.Context, change protocol.Change) error {
	return p.bus.PublishJSON(protocol.SubjectChange(change.SessionID), change)
}

func (p *Publisher) BroadcastFinish(_ context.Context, finish protocol.Finish) error {
	return p.bus.PublishJSON(protocol.SubjectFinish(finish.SessionID), finish)
}

// Client reaches the authority with request/reply.
type Client struct {
	bus       *bus.Client
	sessionID string
}

func NewClient(busClient *bus.Client, sessionID string) *Client {
	return &Client{bus: busClient, sessionID: sessionID}
}

func (c *Client) Advance(ctx context.Context, req protocol.AdvanceRequest) (protocol.AdvanceReply, error) {
	var reply protocol.AdvanceReply
	err := c.bus.RequestJSON(ctx, protocol.SubjectAdvance(c.sessionID), req, &reply)
	return reply, err
}

func (c *Client) Snapshot(ctx context.Context, req protocol.SnapshotRequest) (protocol.Snapshot, error) {
	var snap protocol.Snapshot
	err := c.bus.RequestJSON(ctx, protocol.SubjectSnapshot(c.sessionID), req, &snap)
	return snap, err
}

func (c *Client) Finish(ctx context.Context, req protocol.FinishRequest) (protocol.FinishReply, error) {
	var reply protocol.FinishReply
	err := c.bus.RequestJSON(ctx, protocol.SubjectFinishRequest(c.sessionID), req, &reply)
	return reply, err
}

// AuthorityService exposes a Handler on the session's request subjects.
type AuthorityService struct {
	sessionID string
	handler   Handler
	bus       *bus.Client
	timeout   time.Duration
	logger    *slog.Logger
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewAuthorityService(parent context.Context, sessionID string, handler Handler, busClient *bus.Client, timeout time.Duration, logger *slog.Logger) *AuthorityService {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AuthorityService{
		sessionID: sessionID,
		handler:   handler,
		bus:       busClient,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "replication.authority"), slog.String("session", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *AuthorityService) Start() error {
	routes := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{protocol.SubjectAdvance(s.sessionID), s.handleAdvance},
		{protocol.SubjectSnapshot(s.sessionID), s.handleSnapshot},
		{protocol.SubjectFinishRequest(s.sessionID), s.handleFinish},
	}
	for _, r := range routes {
		sub, err := s.bus.Conn().Subscribe(r.subject, r.handle)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", r.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.drain()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("serving session requests")
	return nil
}

func (s *AuthorityService) Close() {
	s.cancel()
	s.drain()
}

func (s *AuthorityService) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *AuthorityService) Healthy() bool {
	return len(s.subs) == 3 && s.bus.Healthy()
}

func (s *AuthorityService) handleAdvance(msg *nats.Msg) {
	var req protocol.AdvanceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid advance request", slogError(err))
		s.respond(msg, protocol.AdvanceReply{Code: protocol.CodeBadRequest, Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := s.handler.HandleAdvance(ctx, req)
	s.logger.Debug("advance handled",
		slog.String("from", req.From),
		slog.String("request_id", req.RequestID),
		slog.String("direction", string(req.Direction)),
		slog.Bool("changed", reply.Changed))
	s.respond(msg, reply)
}

func (s *AuthorityService) handleSnapshot(msg *nats.Msg) {
	var req protocol.SnapshotRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid snapshot request", slogError(err))
		s.respond(msg, protocol.Snapshot{Code: protocol.CodeBadRequest, Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	s.respond(msg, s.handler.HandleSnapshot(ctx, req))
}

func (s *AuthorityService) handleFinish(msg *nats.Msg) {
	var req protocol.FinishRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid finish request", slogError(err))
		s.respond(msg, protocol.FinishReply{Code: protocol.CodeBadRequest, Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	s.respond(msg, s.handler.HandleFinish(ctx, req))
}

func (s *AuthorityService) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// MirrorService feeds authority broadcasts to a Follower in delivery order.
type MirrorService struct {
	sessionID string
	follower  Follower
	bus       *bus.Client
	logger    *slog.Logger
	subs      []*nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

func NewMirrorService(parent context.Context, sessionID string, follower Follower, busClient *bus.Client, logger *slog.Logger) *MirrorService {
	ctx, cancel := context.WithCancel(parent)
	return &MirrorService{
		sessionID: sessionID,
		follower:  follower,
		bus:       busClient,
		logger:    logger.With(slog.String("component", "replication.mirror"), slog.String("session", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes before the mirror joins so no change published after the
// snapshot is missed.
func (s *MirrorService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changeSub, err := s.bus.Conn().Subscribe(protocol.SubjectChange(s.sessionID), s.handleChange)
	if err != nil {
		return fmt.Errorf("subscribe change: %w", err)
	}
	s.subs = append(s.subs, changeSub)

	finishSub, err := s.bus.Conn().Subscribe(protocol.SubjectFinish(s.sessionID), s.handleFinish)
	if err != nil {
		_ = changeSub.Drain()
		s.subs = nil
		return fmt.Errorf("subscribe finish: %w", err)
	}
	s.subs = append(s.subs, finishSub)
	return s.bus.Conn().Flush()
}

func (s *MirrorService) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *MirrorService) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 2 && s.bus.Healthy()
}

func (s *MirrorService) handleChange(msg *nats.Msg) {
	var change protocol.Change
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		s.logger.Warn("invalid change notification", slogError(err))
		return
	}
	s.follower.OnChange(s.ctx, change)
}

func (s *MirrorService) handleFinish(msg *nats.Msg) {
	var finish protocol.Finish
	if err := json.Unmarshal(msg.Data, &finish); err != nil {
		s.logger.Warn("invalid finish notification", slogError(err))
		return
	}
	s.follower.OnFinish(s.ctx, finish)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
