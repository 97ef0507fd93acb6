// Package presence tracks which participants are connected to a lecture.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type ParticipantInfo struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	SessionID string    `json:"session_id"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local participant and listens for everyone else in
// the same session.
type Registry struct {
	cfg       config.NodeConfig
	sessionID string
	log       *slog.Logger
	bus       *bus.Client
	now       func() time.Time

	mu           sync.RWMutex
	participants map[string]*ParticipantInfo

	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, sessionID string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		sessionID:    sessionID,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		now:          time.Now,
		participants: make(map[string]*ParticipantInfo),
		cancel:       cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce participant", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectParticipantAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectParticipantHeartbeat("*"), r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		r.subs = nil
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		SessionID: r.sessionID,
		Timestamp: r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectParticipantAnnounce, msg); err != nil {
		return err
	}
	r.update(msg.NodeID, msg.Role, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, SessionID: r.sessionID, Timestamp: r.now().UTC()}
	return r.bus.PublishJSON(protocol.SubjectParticipantHeartbeat(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.SessionID != r.sessionID || announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	known := r.update(announcement.NodeID, announcement.Role, announcement.Timestamp)
	if !known && announcement.NodeID != r.cfg.ID {
		r.log.Info("participant discovered", slog.String("participant", announcement.NodeID), slog.String("role", announcement.Role))
		// Let the newcomer learn about us without waiting for a heartbeat.
		if err := r.reannounce(); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) reannounce() error {
	return r.bus.PublishJSON(protocol.SubjectParticipantAnnounce, announceMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		SessionID: r.sessionID,
		Timestamp: r.now().UTC(),
	})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.SessionID != r.sessionID || hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.update(hb.NodeID, "", hb.Timestamp)
}

// update records a sighting and reports whether the participant was known.
func (r *Registry) update(nodeID, role string, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[nodeID]
	if !ok {
		p = &ParticipantInfo{ID: nodeID, SessionID: r.sessionID}
		r.participants[nodeID] = p
	}
	if role != "" {
		p.Role = role
	}
	p.LastSeen = seen
	p.Healthy = true
	return ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, p := range r.participants {
		if p.Healthy && now.Sub(p.LastSeen) > timeout {
			p.Healthy = false
			r.log.Info("participant went silent", slog.String("participant", p.ID))
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[r.cfg.ID]
	return ok && p.Healthy
}

// Participants lists known participants ordered by id.
func (r *Registry) Participants() []ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of healthy participants with role, or with any
// role when role is empty.
func (r *Registry) Count(role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.Healthy && (role == "" || p.Role == role) {
			n++
		}
	}
	return n
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-lecture/presence")
	known, err := meter.Int64ObservableGauge("lecture.participants", metric.WithDescription("Participants seen in the session"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("lecture.participants.healthy", metric.WithDescription("Participants with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		total := int64(len(r.participants))
		r.mu.RUnlock()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, int64(r.Count("")))
		return nil
	}, known, healthy)
	return err
}
