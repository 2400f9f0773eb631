package dispatcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/contract"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/dedup"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/lifecycle"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/metrics"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// Ingestor is the alert-to-incident processing pipeline: it deduplicates an
// incoming alert against open incidents, suppresses it as a downstream
// correlation effect where the dependency graph says so, or creates a fresh
// incident, then publishes the matching bus envelope. Grounded on the same
// resolve-then-mutate-then-publish shape as Dispatcher.Invoke, generalized
// from "one agent invocation" to "one alert arrival".
type Ingestor struct {
	Machine   *lifecycle.Machine
	Dedup     *dedup.Engine
	Bus       *eventbus.Bus
	Metrics   metrics.Recorder
	Validator *contract.Validator

	mu          sync.Mutex
	seenAlerts  map[string]string   // alert_id -> incident_id, for idempotent resubmission
	serviceOpen map[string][]string // affected service -> open incident ids, for correlation lookups
}

// NewIngestor constructs an Ingestor over the given lifecycle machine,
// dedup/correlation engine, event bus and contract validator.
func NewIngestor(machine *lifecycle.Machine, eng *dedup.Engine, bus *eventbus.Bus, recorder metrics.Recorder, validator *contract.Validator) *Ingestor {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if validator == nil {
		validator = contract.New()
	}
	return &Ingestor{
		Machine:     machine,
		Dedup:       eng,
		Bus:         bus,
		Metrics:     recorder,
		Validator:   validator,
		seenAlerts:  make(map[string]string),
		serviceOpen: make(map[string][]string),
	}
}

// IngestResult reports what an Ingest call did with an alert.
type IngestResult struct {
	Incident *models.Incident
	// Created is true when a brand-new incident was opened for this alert.
	Created bool
	// Merged is true when the alert was folded into an already-open
	// incident via the dedup window.
	Merged bool
	// Suppressed is true when the alert was attached as a downstream
	// correlation effect of another open incident instead of becoming its
	// own incident.
	Suppressed bool
	// Duplicate is true when alert_id had already been ingested; the call
	// is a no-op returning the previously-resolved incident.
	Duplicate bool
}

// Ingest runs one alert through dedup, correlation, and (if neither
// applies) incident creation. now is the evaluation time, injected for
// deterministic tests.
func (ing *Ingestor) Ingest(alert *models.Alert, now time.Time) (*IngestResult, error) {
	// The struct-tag pass (required fields) is the primary validation gate;
	// Alert declares no oneof tags, so IsValid checks Source and
	// SeverityHint enum membership alongside it.
	if errs := ing.Validator.ValidateStruct(alert); len(errs) > 0 {
		slog.Warn("Ingestor: alert failed struct validation", "alert_id", alert.AlertID, "errors", errs)
		return nil, &coreerrors.ValidationError{Errors: errs}
	}
	if !alert.Source.IsValid() || !alert.SeverityHint.IsValid() {
		slog.Warn("Ingestor: alert has invalid source/severity_hint", "alert_id", alert.AlertID, "source", alert.Source, "severity_hint", alert.SeverityHint)
		return nil, &coreerrors.ValidationError{Errors: []string{"alert: source/severity_hint invalid"}}
	}

	ing.mu.Lock()
	if incidentID, ok := ing.seenAlerts[alert.AlertID]; ok {
		ing.mu.Unlock()
		incident := ing.Machine.Get(incidentID)
		return &IngestResult{Incident: incident, Duplicate: true}, nil
	}
	ing.mu.Unlock()

	match := ing.Dedup.Evaluate(alert, now)

	// Candidates is earliest-created-at first; find the first one still
	// within the dedup window rather than stopping at the earliest
	// unconditionally — an aged-out earliest candidate must not shadow a
	// younger still-open incident sharing the same identity.
	for _, candidateID := range match.Candidates {
		existing := ing.Machine.Get(candidateID)
		if existing == nil || existing.State.IsTerminal() {
			continue
		}
		if !ing.Dedup.WithinDedupWindow(existing.UpdatedAt, now) {
			continue
		}
		updated, err := ing.Machine.MergeAlert(candidateID, alert.AlertID, alert.SeverityHint, match.Fingerprint, now)
		if err != nil {
			return nil, err
		}
		ing.remember(alert.AlertID, updated.IncidentID)
		ing.publishUpdated(updated, now)
		ing.Metrics.Counter("alerts_merged_total", prometheus.Labels{"source": string(alert.Source)}).Inc()
		slog.Info("Ingestor: merged alert into open incident", "alert_id", alert.AlertID, "incident_id", updated.IncidentID)
		return &IngestResult{Incident: updated, Merged: true}, nil
	}

	service := serviceKey(alert)
	if root := ing.findCorrelationRoot(service, now); root != "" {
		updated, err := ing.Machine.MergeAlert(root, alert.AlertID, alert.SeverityHint, match.Fingerprint, now)
		if err == nil {
			ing.remember(alert.AlertID, updated.IncidentID)
			ing.Metrics.Counter("alerts_correlated_total", prometheus.Labels{"source": string(alert.Source)}).Inc()
			slog.Info("Ingestor: suppressed alert as downstream correlation", "alert_id", alert.AlertID, "incident_id", updated.IncidentID, "service", service)
			return &IngestResult{Incident: updated, Suppressed: true}, nil
		}
	}

	incidentID := uuid.New().String()
	affected := alert.ResourceID
	if affected == "" {
		affected = alert.ServiceFamily
	}
	incident := ing.Machine.Create(incidentID, alert.SeverityHint, affected, alert.Labels, now)
	incident, err := ing.Machine.MergeAlert(incidentID, alert.AlertID, alert.SeverityHint, match.Fingerprint, now)
	if err != nil {
		return nil, err
	}

	ing.Dedup.Index.Put(dedup.MatchKey(alert), incidentID, now)
	ing.registerOpenService(service, incidentID)
	ing.remember(alert.AlertID, incidentID)

	env := eventbus.NewEnvelope(models.TopicIncidentCreated, models.PriorityHigh, map[string]any{
		"incident_id": incidentID,
		"alert_id":    alert.AlertID,
	}, models.EventFilterable{
		IncidentID:       incidentID,
		Severity:         incident.Severity,
		State:            incident.State,
		Source:           alert.Source,
		AffectedResource: affected,
		Labels:           alert.Labels,
	}, now)
	ing.Bus.Publish(env)
	ing.Metrics.Counter("incidents_created_total", prometheus.Labels{"severity": string(incident.Severity)}).Inc()
	slog.Info("Ingestor: created new incident", "incident_id", incidentID, "alert_id", alert.AlertID, "severity", incident.Severity, "affected_resource", affected)

	return &IngestResult{Incident: incident, Created: true}, nil
}

// CloseIncident removes incidentID from the correlation service index. The
// lifecycle machine does not call it on a Closed transition;
// findCorrelationRoot also skips incidents whose state is terminal.
func (ing *Ingestor) CloseIncident(incidentID string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	for svc, ids := range ing.serviceOpen {
		out := ids[:0]
		for _, id := range ids {
			if id != incidentID {
				out = append(out, id)
			}
		}
		ing.serviceOpen[svc] = out
	}
}

func (ing *Ingestor) remember(alertID, incidentID string) {
	ing.mu.Lock()
	ing.seenAlerts[alertID] = incidentID
	ing.mu.Unlock()
}

func (ing *Ingestor) registerOpenService(service, incidentID string) {
	if service == "" {
		return
	}
	ing.mu.Lock()
	ing.serviceOpen[service] = append(ing.serviceOpen[service], incidentID)
	ing.mu.Unlock()
}

// findCorrelationRoot looks for an open incident on an upstream service t
// such that t -> service is a path in the dependency graph within the
// correlation window, returning the first such root incident found.
func (ing *Ingestor) findCorrelationRoot(service string, now time.Time) string {
	if service == "" || ing.Dedup.Graph == nil {
		return ""
	}
	ing.mu.Lock()
	candidates := make(map[string][]string, len(ing.serviceOpen))
	for svc, ids := range ing.serviceOpen {
		candidates[svc] = append([]string(nil), ids...)
	}
	ing.mu.Unlock()

	for svc, ids := range candidates {
		if svc == service {
			continue
		}
		for _, id := range ids {
			incident := ing.Machine.Get(id)
			if incident == nil || incident.State.IsTerminal() {
				continue
			}
			if ing.Dedup.IsDownstreamEffect(svc, service, incident.UpdatedAt, now) {
				return id
			}
		}
	}
	return ""
}

func (ing *Ingestor) publishUpdated(incident *models.Incident, now time.Time) {
	env := eventbus.NewEnvelope(models.TopicIncidentUpdated, models.PriorityNormal, map[string]any{
		"incident_id": incident.IncidentID,
	}, models.EventFilterable{
		IncidentID: incident.IncidentID,
		Severity:   incident.Severity,
		State:      incident.State,
	}, now)
	ing.Bus.Publish(env)
}

// serviceKey derives the service identity used by the correlation graph:
// ServiceFamily when the alert sets it, falling back to ResourceID.
func serviceKey(alert *models.Alert) string {
	if alert.ServiceFamily != "" {
		return alert.ServiceFamily
	}
	return alert.ResourceID
}
