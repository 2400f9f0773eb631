// Package dispatcher wires contract validation, execution guard, the
// circuit-broken classifier, the decision store, and the lifecycle machine
// into the end-to-end agent invocation pipeline, grounded on tarsy's
// pkg/agent/orchestrator.go staged-pipeline shape (build input, validate,
// invoke, validate output, persist) generalized into this core's ten-step
// sequence per agent invocation.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/agents"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/contract"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/decisionstore"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/guard"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/lifecycle"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// Dispatcher owns one agent invocation pipeline instance wiring every
// collaborator the core needs to turn an incoming request into a durable
// DecisionRecord plus zero or more lifecycle transitions and bus
// publications.
type Dispatcher struct {
	Machine    *lifecycle.Machine
	Store      *decisionstore.Client
	Bus        *eventbus.Bus
	Validator  *contract.Validator
	Schemas    map[models.DecisionType]AgentSchemas
	Budgets    guard.Budgets
	Deps       agents.Deps
	Env        models.Environment
}

// AgentSchemas pairs an agent's input and output contract schemas.
type AgentSchemas struct {
	Input  contract.Schema
	Output contract.Schema
}

// InvokeRequest carries everything one agent invocation needs.
type InvokeRequest struct {
	IncidentID string
	Agent      agents.AgentDescriptor
	Input      map[string]any
	Actor      string
	Now        time.Time
}

// InvokeResult is returned on a successful invocation.
type InvokeResult struct {
	Decision *models.DecisionRecord
	Incident *models.Incident
	Warnings []string
}

// Invoke runs the full ten-step pipeline: resolve incident, build and
// validate input, guard the execution, run the agent body, validate and
// guard-finalize the output, persist the DecisionRecord durably before
// publishing any bus event, then append the decision to the incident timeline
// and publish incident_updated. It does not turn the agent's orchestrator
// actions into lifecycle transitions; ApplyTransition performs lifecycle
// moves as a separate call.
func (d *Dispatcher) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	// Step 1: resolve the incident the invocation concerns.
	incident := d.Machine.Get(req.IncidentID)
	if incident == nil {
		return nil, coreerrors.ErrNotFound
	}

	// Step 2: build the agent input (caller-supplied; dispatcher only adds
	// shared context every agent gets).
	input := make(map[string]any, len(req.Input)+1)
	for k, v := range req.Input {
		input[k] = v
	}
	input["incident_id"] = req.IncidentID

	// Step 3: validate input. The struct-tag pass via go-playground/validator
	// runs first against any typed Go value the caller placed in req.Input
	// (an *models.Alert, *models.ApprovalRecord, …) — the primary validation
	// pass every input goes through before the agent-declared schema's
	// required/enum/cross-field checks narrow it further.
	var structErrs []string
	for _, v := range input {
		structErrs = append(structErrs, d.Validator.ValidateAny(v)...)
	}
	if len(structErrs) > 0 {
		return nil, &coreerrors.ValidationError{Errors: structErrs}
	}

	schemas, ok := d.Schemas[req.Agent.Type]
	if !ok {
		return nil, fmt.Errorf("dispatcher: no schema registered for %s", req.Agent.Type)
	}
	if ok, errs, _ := schemas.Input.Validate(input); !ok {
		return nil, &coreerrors.ValidationError{Errors: errs}
	}

	inputsHash, err := contract.HashInput(input)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: hash input: %w", err)
	}

	// Step 4: construct the Execution Guard for this invocation.
	executionID := uuid.New().String()
	g := guard.New(executionID, d.Budgets)
	if err := g.PerformRole(req.Agent.Role); err != nil {
		return nil, err
	}

	// Step 5: run the agent body. A classifier call counts as one external
	// call against the guard's budget.
	if err := g.RecordExternalCall(); err != nil {
		return nil, err
	}
	output, err := req.Agent.Invoke(ctx, d.Deps, input)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: agent invocation: %w", err)
	}
	if err := g.CheckLatency(); err != nil {
		return nil, err
	}

	confidence, _ := output["confidence"].(float64)
	if err := g.EmitSignal(fmt.Sprintf("%v", output["rationale"]), confidence); err != nil {
		return nil, err
	}

	// Step 6: validate agent output. Struct-tag pass first, same as step 3,
	// for any typed value an agent's Invoke closure placed in its output
	// (e.g. an OrchestratorAction), then the declared schema.
	var outputStructErrs []string
	for _, v := range output {
		outputStructErrs = append(outputStructErrs, d.Validator.ValidateAny(v)...)
	}
	if len(outputStructErrs) > 0 {
		return nil, &coreerrors.ValidationError{Errors: outputStructErrs}
	}

	ok, errs, warnings := schemas.Output.Validate(output)
	if !ok {
		return nil, &coreerrors.ValidationError{Errors: errs, Warnings: warnings}
	}

	// Step 7: finalize the guard. A HardFailError here produces no
	// DecisionRecord.
	if err := g.Finalize(); err != nil {
		slog.Warn("Dispatcher: guard finalize failed, no decision recorded", "incident_id", req.IncidentID, "agent_type", req.Agent.Type, "execution_id", executionID, "error", err)
		return nil, err
	}

	// Step 8: construct and durably persist the DecisionRecord before any
	// bus publication — the ordering guarantee callers rely on.
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	record := &models.DecisionRecord{
		ID:                 uuid.New().String(),
		AgentID:            string(req.Agent.Type),
		AgentVersion:       "1",
		AgentClassification: req.Agent.Role,
		DecisionType:       req.Agent.Type,
		InputsHash:         inputsHash,
		Outputs:            output,
		Confidence:         confidence,
		ExecutionRef:       executionID,
		Timestamp:          now,
		Environment:        d.Env,
		RequiresReview:     len(warnings) > 0,
	}

	if _, err := d.Store.StoreDecision(ctx, record); err != nil {
		slog.Error("Dispatcher: failed to persist decision record", "incident_id", req.IncidentID, "agent_type", req.Agent.Type, "decision_id", record.ID, "error", err)
		return nil, fmt.Errorf("dispatcher: persist decision: %w", err)
	}
	slog.Info("Dispatcher: decision recorded", "incident_id", req.IncidentID, "agent_type", req.Agent.Type, "decision_id", record.ID, "requires_review", record.RequiresReview)

	// Step 9: record the decision on the incident timeline.
	updated, err := d.Machine.AppendDecision(req.IncidentID, req.Actor, fmt.Sprintf("%s decision %s", req.Agent.Type, record.ID), models.ActorAgent, output, now)
	if err != nil {
		return nil, err
	}

	// Step 10: publish the decision for observability subscribers, only
	// now that the record is durable.
	env := eventbus.NewEnvelope(models.TopicIncidentUpdated, models.PriorityNormal, map[string]any{
		"decision_id": record.ID,
		"agent_type":  req.Agent.Type,
	}, models.EventFilterable{
		IncidentID: req.IncidentID,
		Severity:   updated.Severity,
		State:      updated.State,
	}, now)
	d.Bus.Publish(env)

	return &InvokeResult{Decision: record, Incident: updated, Warnings: warnings}, nil
}

// HandleNewIncident runs the escalation agent against a freshly created (or
// freshly merged) incident and, on a successful classification, advances
// Detected→Triaged — the one documented trigger for that edge ("classification
// completes with severity"). This is the piece of §2's data flow that
// connects alert ingestion to the agent pipeline: external alert →
// Dispatcher → Validator → Guard → Classifier → Lifecycle SM. A
// classification failure (validation, hard-fail, or dependency-unavailable)
// leaves the incident in Detected and is returned to the caller — ingestion
// itself already succeeded and is never rolled back.
func (d *Dispatcher) HandleNewIncident(ctx context.Context, incidentID string, alert *models.Alert, now time.Time) (*InvokeResult, error) {
	result, err := d.Invoke(ctx, InvokeRequest{
		IncidentID: incidentID,
		Agent:      agents.NewEscalationAgent(),
		Input:      map[string]any{"alert": alert},
		Actor:      "escalation-agent",
		Now:        now,
	})
	if err != nil {
		return nil, err
	}

	if result.Incident.State == models.StateDetected {
		if _, err := d.ApplyTransition(ctx, incidentID, models.StateTriaged, "classification complete", "escalation-agent", now); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ApplyTransition moves an incident to a new lifecycle state as the result
// of an orchestrator action (e.g. an escalation agent's recommendation
// accepted by an external orchestrator), publishing an
// incident_state_changed event once the transition is durable in the
// machine.
func (d *Dispatcher) ApplyTransition(ctx context.Context, incidentID string, to models.IncidentState, trigger, actor string, now time.Time) (*models.Incident, error) {
	updated, err := d.Machine.Transition(incidentID, to, trigger, actor, models.ActorSystem, now)
	if err != nil {
		return nil, err
	}

	versionToken := fmt.Sprintf("%d", updated.UpdatedAt.UnixNano())
	if _, err := d.Store.UpdateIncidentState(ctx, incidentID, map[string]any{"state": string(to)}, versionToken); err != nil {
		// A failed remote update does not roll back the in-memory
		// transition; the store is eventually reconciled on next read.
		slog.Warn("Dispatcher: decision store state update failed, continuing with in-memory transition", "incident_id", incidentID, "state", to, "error", err)
		env := eventbus.NewEnvelope(models.TopicDependencyDegraded, models.PriorityHigh, map[string]any{
			"incident_id": incidentID,
			"error":       err.Error(),
		}, models.EventFilterable{IncidentID: incidentID}, now)
		d.Bus.Publish(env)
	}

	env := eventbus.NewEnvelope(models.TopicIncidentStateChanged, models.PriorityHigh, map[string]any{
		"incident_id": incidentID,
		"state":       to,
	}, models.EventFilterable{
		IncidentID: incidentID,
		Severity:   updated.Severity,
		State:      updated.State,
	}, now)
	d.Bus.Publish(env)

	return updated, nil
}
