package dispatcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// EscalationScheduler runs the independent cooperative task that re-checks
// every active EscalationState's NextEscalationAt and publishes an
// escalated event when it elapses. One timer per incident, the way
// tarsy's WorkerPool schedules one goroutine per in-flight job rather than
// a single shared ticker sweeping everything.
type EscalationScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	states map[string]*models.EscalationState
	bus    *eventbus.Bus

	onElapsed func(state *models.EscalationState)
}

// NewEscalationScheduler constructs a scheduler publishing "escalated"
// envelopes on bus when a timer fires.
func NewEscalationScheduler(bus *eventbus.Bus) *EscalationScheduler {
	s := &EscalationScheduler{
		timers: make(map[string]*time.Timer),
		states: make(map[string]*models.EscalationState),
		bus:    bus,
	}
	s.onElapsed = s.publishEscalated
	return s
}

// Schedule arms or re-arms the timer for state.IncidentID against
// state.NextEscalationAt. A nil NextEscalationAt cancels any pending timer
// (the escalation was acknowledged or resolved).
func (s *EscalationScheduler) Schedule(state *models.EscalationState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[state.IncidentID]; ok {
		existing.Stop()
		delete(s.timers, state.IncidentID)
	}
	s.states[state.IncidentID] = state

	if state.NextEscalationAt == nil || state.Status != models.EscalationActive {
		return
	}

	delay := time.Until(*state.NextEscalationAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[state.IncidentID] = time.AfterFunc(delay, func() {
		s.fire(state.IncidentID)
	})
}

// Cancel stops and forgets incidentID's timer, e.g. on incident close.
func (s *EscalationScheduler) Cancel(incidentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[incidentID]; ok {
		existing.Stop()
		delete(s.timers, incidentID)
	}
	delete(s.states, incidentID)
}

func (s *EscalationScheduler) fire(incidentID string) {
	s.mu.Lock()
	state, ok := s.states[incidentID]
	if ok {
		delete(s.timers, incidentID)
	}
	s.mu.Unlock()
	if !ok {
		slog.Warn("EscalationScheduler: timer fired for unknown incident", "incident_id", incidentID)
		return
	}
	slog.Warn("EscalationScheduler: escalation deadline elapsed", "incident_id", incidentID, "current_level", state.CurrentLevel)
	s.onElapsed(state)
}

func (s *EscalationScheduler) publishEscalated(state *models.EscalationState) {
	env := eventbus.NewEnvelope(models.TopicEscalated, models.PriorityHigh, map[string]any{
		"incident_id":   state.IncidentID,
		"current_level": state.CurrentLevel,
	}, models.EventFilterable{IncidentID: state.IncidentID}, time.Now())
	s.bus.Publish(env)
}

// ActiveCount reports how many incidents currently have an armed timer, for
// Stats snapshots.
func (s *EscalationScheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
