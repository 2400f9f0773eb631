// Package lifecycle owns the Incident state machine: the legal-transition
// table, timeline bookkeeping, and the remediation retry budget. Grounded on
// tarsy's pkg/models state-transition style (explicit allowed-next-states
// map checked before mutation) generalized from tarsy's linear
// pending->in_progress->completed/failed chain to the incident core's
// branching graph.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// transitions is the legal-transition table, built once at package init.
// Closed is reachable from every non-terminal state (operator abort).
var transitions = map[models.IncidentState]map[models.IncidentState]struct{}{
	models.StateDetected: {
		models.StateTriaged: {},
	},
	models.StateTriaged: {
		models.StateInvestigating:    {},
		models.StateAwaitingApproval: {},
	},
	models.StateInvestigating: {
		models.StateRemediating:      {},
		models.StateAwaitingApproval: {},
	},
	models.StateAwaitingApproval: {
		models.StateRemediating:   {},
		models.StateInvestigating: {},
		models.StateClosed:        {},
	},
	models.StateRemediating: {
		models.StateResolved:      {},
		models.StateInvestigating: {},
	},
	models.StateResolved: {
		models.StateClosed: {},
	},
}

func init() {
	// Closed is legal from any non-terminal state.
	for state := range transitions {
		transitions[state][models.StateClosed] = struct{}{}
	}
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to models.IncidentState) bool {
	if from == to {
		return false
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// defaultMaxRemediationAttempts is the budget New uses when given a
// non-positive value; the budget bounds Remediating -> Investigating retries
// before the machine forces AwaitingApproval instead.
const defaultMaxRemediationAttempts = 3

// Machine owns every live Incident's in-memory state and timeline, guarded
// by one mutex per incident to keep unrelated incidents' transitions from
// contending.
type Machine struct {
	mu                     sync.RWMutex
	incidents              map[string]*lockedIncident
	maxRemediationAttempts int
}

type lockedIncident struct {
	mu       sync.Mutex
	incident *models.Incident
}

// New constructs an empty Machine.
func New(maxRemediationAttempts int) *Machine {
	if maxRemediationAttempts <= 0 {
		maxRemediationAttempts = defaultMaxRemediationAttempts
	}
	return &Machine{
		incidents:              make(map[string]*lockedIncident),
		maxRemediationAttempts: maxRemediationAttempts,
	}
}

// Create registers a brand-new incident in Detected state.
func (m *Machine) Create(incidentID string, severity models.Severity, affectedResource string, labels map[string]string, now time.Time) *models.Incident {
	incident := &models.Incident{
		IncidentID:       incidentID,
		CreatedAt:        now,
		UpdatedAt:        now,
		State:            models.StateDetected,
		Severity:         severity,
		PeakSeverity:     severity,
		AffectedResource: affectedResource,
		Labels:           labels,
		OpenAlerts:       make(map[string]struct{}),
		CorrelationKeys:  make(map[string]struct{}),
	}
	m.mu.Lock()
	m.incidents[incidentID] = &lockedIncident{incident: incident}
	m.mu.Unlock()
	return incident.Clone()
}

// Get returns a read-only clone of incidentID's current state, or nil if
// unknown to this machine instance.
func (m *Machine) Get(incidentID string) *models.Incident {
	li := m.lookup(incidentID)
	if li == nil {
		return nil
	}
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.incident.Clone()
}

func (m *Machine) lookup(incidentID string) *lockedIncident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.incidents[incidentID]
}

// Transition moves incidentID from its current state to 'to', appending a
// timeline entry. Illegal transitions and out-of-order timestamps are
// rejected with coreerrors.ErrStateConflict.
func (m *Machine) Transition(incidentID string, to models.IncidentState, trigger, actor string, actorKind models.ActorKind, at time.Time) (*models.Incident, error) {
	li := m.lookup(incidentID)
	if li == nil {
		return nil, coreerrors.ErrNotFound
	}

	li.mu.Lock()
	defer li.mu.Unlock()

	incident := li.incident
	if !CanTransition(incident.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s is not a legal transition", coreerrors.ErrStateConflict, incident.State, to)
	}
	if at.Before(incident.UpdatedAt) {
		return nil, fmt.Errorf("%w: transition timestamp precedes last update", coreerrors.ErrStateConflict)
	}

	if incident.State == models.StateRemediating && to == models.StateInvestigating {
		incident.RemediationAttempts++
		if incident.RemediationAttempts > m.maxRemediationAttempts {
			to = models.StateAwaitingApproval
		}
	}

	incident.Timeline = append(incident.Timeline, models.TimelineEntry{
		Timestamp:      at,
		Type:           timelineTypeFor(to),
		Actor:          actor,
		ActorKind:      actorKind,
		Description:    trigger,
		SequenceNumber: incident.NextSequence(),
	})
	incident.State = to
	incident.UpdatedAt = at

	return incident.Clone(), nil
}

func timelineTypeFor(to models.IncidentState) models.TimelineEntryType {
	switch to {
	case models.StateInvestigating:
		return models.TimelineInvestigation
	case models.StateRemediating:
		return models.TimelineRemediation
	case models.StateResolved:
		return models.TimelineResolution
	case models.StateAwaitingApproval:
		return models.TimelineEscalation
	default:
		return models.TimelineDecision
	}
}

// MergeAlert appends an alert_merged timeline entry and records the alert as
// open on the incident, raising PeakSeverity if the new alert is more
// severe. Used by the dedup engine when an alert matches an open incident
// within the dedup window instead of creating a new one.
func (m *Machine) MergeAlert(incidentID, alertID string, severity models.Severity, fingerprint string, at time.Time) (*models.Incident, error) {
	li := m.lookup(incidentID)
	if li == nil {
		return nil, coreerrors.ErrNotFound
	}

	li.mu.Lock()
	defer li.mu.Unlock()

	incident := li.incident
	if incident.HasOpenAlert(alertID) {
		return incident.Clone(), nil
	}

	incident.OpenAlerts[alertID] = struct{}{}
	incident.OpenAlertIDs = append(incident.OpenAlertIDs, alertID)
	incident.CorrelationKeys[fingerprint] = struct{}{}
	incident.CorrelationKeyList = append(incident.CorrelationKeyList, fingerprint)
	if severity.MoreSevereOrEqual(incident.PeakSeverity) {
		incident.PeakSeverity = severity
	}
	incident.Timeline = append(incident.Timeline, models.TimelineEntry{
		Timestamp:      at,
		Type:           models.TimelineAlertMerged,
		Actor:          "dedup-engine",
		ActorKind:      models.ActorSystem,
		Description:    "alert " + alertID + " merged via fingerprint " + fingerprint,
		SequenceNumber: incident.NextSequence(),
	})
	incident.UpdatedAt = at
	return incident.Clone(), nil
}

// AppendDecision records a decision timeline entry without a state change,
// for agent invocations that produce a DecisionRecord but no transition
// (e.g. an escalation decision that merely recommends one).
func (m *Machine) AppendDecision(incidentID, actor, description string, actorKind models.ActorKind, metadata map[string]any, at time.Time) (*models.Incident, error) {
	li := m.lookup(incidentID)
	if li == nil {
		return nil, coreerrors.ErrNotFound
	}

	li.mu.Lock()
	defer li.mu.Unlock()

	incident := li.incident
	incident.Timeline = append(incident.Timeline, models.TimelineEntry{
		Timestamp:      at,
		Type:           models.TimelineDecision,
		Actor:          actor,
		ActorKind:      actorKind,
		Description:    description,
		Metadata:       metadata,
		SequenceNumber: incident.NextSequence(),
	})
	incident.UpdatedAt = at
	return incident.Clone(), nil
}
