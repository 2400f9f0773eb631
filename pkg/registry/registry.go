// Package registry implements the Connection & Session Registry: live
// session tracking, heartbeat-driven activity refresh, and a ticker-driven
// cleanup task, grounded on tarsy's pkg/events.ConnectionManager
// register/unregister/heartbeat pattern and pkg/mcp.HealthMonitor's
// ticker-driven background loop shape, made transport-agnostic by binding
// sessions to an OutboundSink rather than a concrete WebSocket connection.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/metrics"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// OutboundSink delivers serialized envelopes to one connection. The
// transport layer (WebSocket, SSE, whatever carries bytes to the client) is
// out of scope; the registry only needs this much.
type OutboundSink interface {
	Send(payload []byte) error
}

// session is the registry's internal record for one live connection.
type session struct {
	mu sync.Mutex

	id             string
	connectionID   string
	remoteIdentity string
	lastActivityAt time.Time
	subscriptionID string
	sink           OutboundSink
	consecutiveDrops int
}

// Registry tracks every live Session, binds each to exactly one
// subscription and OutboundSink, and runs the heartbeat and cleanup
// cooperative tasks (spec's independent-cooperative-task model).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	bus      *eventbus.Bus
	recorder metrics.Recorder

	heartbeatInterval time.Duration
	cleanupInterval   time.Duration
	sessionTimeout    time.Duration
	slowConsumerLimit int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Registry's background task cadence.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	SessionTimeout    time.Duration
	SlowConsumerLimit int
}

// New constructs a Registry bound to bus for publication of session_expired
// envelopes.
func New(cfg Config, bus *eventbus.Bus, recorder metrics.Recorder) *Registry {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Registry{
		sessions:          make(map[string]*session),
		bus:               bus,
		recorder:          recorder,
		heartbeatInterval: cfg.HeartbeatInterval,
		cleanupInterval:   cfg.CleanupInterval,
		sessionTimeout:    cfg.SessionTimeout,
		slowConsumerLimit: cfg.SlowConsumerLimit,
		stopCh:            make(chan struct{}),
	}
}

// Register creates a new Session for connectionID bound to filter, opens
// its bus mailbox, and returns the session and subscription ids.
func (r *Registry) Register(connectionID, remoteIdentity string, filter models.Filter, sink OutboundSink, now time.Time) (sessionID, subscriptionID string) {
	sessionID = uuid.New().String()
	subscriptionID = uuid.New().String()

	r.bus.Subscribe(subscriptionID, filter)

	r.mu.Lock()
	r.sessions[sessionID] = &session{
		id:             sessionID,
		connectionID:   connectionID,
		remoteIdentity: remoteIdentity,
		lastActivityAt: now,
		subscriptionID: subscriptionID,
		sink:           sink,
	}
	r.mu.Unlock()

	r.recorder.Gauge("registry_active_sessions", nil).Set(float64(r.SessionCount()))
	return sessionID, subscriptionID
}

// Touch refreshes sessionID's last-activity timestamp (a pong or any client
// message does this).
func (r *Registry) Touch(sessionID string, now time.Time) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

// Unregister removes sessionID and its bus subscription.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		r.bus.Unsubscribe(s.subscriptionID)
	}
	r.recorder.Gauge("registry_active_sessions", nil).Set(float64(r.SessionCount()))
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats is the registry health/stats snapshot (mirrors tarsy's
// WorkerPool.Health() operational-visibility idiom, adapted to session
// counts instead of worker counts).
type Stats struct {
	ActiveSessions int
	PerSessionPending map[string]int
}

// Stats returns a point-in-time snapshot of active sessions and their
// pending mailbox depth.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make(map[string]int, len(r.sessions))
	for id, s := range r.sessions {
		pending[id] = r.bus.PendingCount(s.subscriptionID)
	}
	return Stats{ActiveSessions: len(r.sessions), PerSessionPending: pending}
}

// Deliver drains sessionID's mailbox and pushes every envelope through its
// OutboundSink, in priority-then-FIFO order. A Send failure counts as a
// drop; SlowConsumerLimit consecutive drops on one session close it with
// slow_consumer.
func (r *Registry) Deliver(sessionID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	envelopes := r.bus.Drain(s.subscriptionID)
	for _, env := range envelopes {
		payload, err := envelopeJSON(env)
		if err != nil {
			continue
		}
		if err := s.sink.Send(payload); err != nil {
			s.mu.Lock()
			s.consecutiveDrops++
			drops := s.consecutiveDrops
			s.mu.Unlock()
			if drops >= r.slowConsumerLimit {
				r.closeSlowConsumer(sessionID, s)
				return nil
			}
			continue
		}
		s.mu.Lock()
		s.consecutiveDrops = 0
		s.mu.Unlock()
	}
	return nil
}

func (r *Registry) closeSlowConsumer(sessionID string, s *session) {
	slog.Warn("Registry: closing slow consumer", "session_id", sessionID, "connection_id", s.connectionID, "consecutive_drops", s.consecutiveDrops)
	r.Unregister(sessionID)
	r.recorder.Counter("registry_slow_consumer_closures", nil).Inc()
}

// Run starts the heartbeat and cleanup cooperative tasks. Both stop when ctx
// is cancelled or Shutdown is called.
func (r *Registry) Run(ctx context.Context) {
	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.cleanupLoop(ctx)
	slog.Info("Registry: background tasks started", "heartbeat_interval", r.heartbeatInterval, "cleanup_interval", r.cleanupInterval, "session_timeout", r.sessionTimeout)
}

// Shutdown stops the background tasks and waits for them to exit.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Registry: background tasks stopped")
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	slog.Info("Registry: heartbeat loop started")
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Registry: heartbeat loop stopped")
			return
		case <-r.stopCh:
			slog.Info("Registry: heartbeat loop stopped")
			return
		case <-ticker.C:
			r.pingAll()
		}
	}
}

// pingAll sends a ping payload to every live session; a send failure is
// logged and does not count toward the session's consecutive drops.
func (r *Registry) pingAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.sink.Send([]byte(`{"type":"ping"}`)); err != nil {
			slog.Warn("Registry: heartbeat ping failed", "session_id", id, "error", err)
		}
	}
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	slog.Info("Registry: cleanup loop started")
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Registry: cleanup loop stopped")
			return
		case <-r.stopCh:
			slog.Info("Registry: cleanup loop stopped")
			return
		case <-ticker.C:
			r.sweepExpired(time.Now())
		}
	}
}

// sweepExpired closes every session idle longer than sessionTimeout and
// emits a session_expired envelope for each, for observability subscribers.
func (r *Registry) sweepExpired(now time.Time) {
	r.mu.RLock()
	expired := make([]string, 0)
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivityAt)
		s.mu.Unlock()
		if idle > r.sessionTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Unregister(id)
		env := eventbus.NewEnvelope(models.TopicSessionExpired, models.PriorityLow, map[string]any{
			"session_id": id,
		}, models.EventFilterable{}, now)
		r.bus.Publish(env)
	}
	if len(expired) > 0 {
		slog.Info("Registry: cleanup swept expired sessions", "count", len(expired), "session_timeout", r.sessionTimeout)
	}
}

// envelopeJSON renders env for OutboundSink delivery. The actual wire
// format is a transport-layer concern, but every sink needs bytes, so the
// registry provides a default JSON rendering.
func envelopeJSON(env *models.EventEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
