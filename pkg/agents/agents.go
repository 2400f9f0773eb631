// Package agents defines the three agent descriptors the dispatcher loads:
// Escalation, Approval, and Post-mortem. Grounded on tarsy's pkg/agent
// single-interface-many-implementations pattern (agent.LLMClient.Generate
// returning a channel of chunks), here flattened into one generic
// AgentDescriptor whose Invoke closure calls a Classifier the same way.
package agents

import (
	"context"
	"fmt"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/classifier"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// Deps bundles the external collaborators an agent Invoke closure may call.
type Deps struct {
	Classifier classifier.Classifier
}

// AgentDescriptor is the static shape every one of the three agents share:
// a role identity, the decision types it may emit, and the function that
// actually runs it.
type AgentDescriptor struct {
	Type                 models.DecisionType
	Role                 string
	AllowedDecisionTypes []models.DecisionType
	Invoke               func(ctx context.Context, deps Deps, input map[string]any) (map[string]any, error)
}

// NewEscalationAgent builds the descriptor for the escalation agent: reads
// incident + alert context, calls the classifier for a severity/confidence
// read, and recommends (never performs) an escalation action.
func NewEscalationAgent() AgentDescriptor {
	return AgentDescriptor{
		Type:                 models.DecisionTypeEscalation,
		Role:                 "coordinate",
		AllowedDecisionTypes: []models.DecisionType{models.DecisionTypeEscalation},
		Invoke: func(ctx context.Context, deps Deps, input map[string]any) (map[string]any, error) {
			incidentID, _ := input["incident_id"].(string)
			alert, _ := input["alert"].(*models.Alert)

			chunks, err := deps.Classifier.Classify(ctx, classifier.ClassifyInput{
				IncidentID: incidentID,
				Alert:      alert,
			})
			if err != nil {
				return nil, fmt.Errorf("escalation agent: classify: %w", err)
			}

			var severity models.Severity
			var confidence float64
			var rationale string
			for chunk := range chunks {
				if chunk.Err != nil {
					return nil, fmt.Errorf("escalation agent: classify stream: %w", chunk.Err)
				}
				severity = chunk.Severity
				confidence = chunk.Confidence
				rationale += chunk.Text
				if chunk.Done {
					break
				}
			}

			return map[string]any{
				"recommended_severity": severity,
				"confidence":           confidence,
				"rationale":            rationale,
				"action_type":          "notify",
			}, nil
		},
	}
}

// NewApprovalAgent builds the descriptor for the approval agent. Its output
// must honor decision <=> action_authorized biconditional: it never sets
// action_authorized true without an approved decision, and vice versa —
// the agent only relays a human ApprovalRecord, it never grants approval
// itself.
func NewApprovalAgent() AgentDescriptor {
	return AgentDescriptor{
		Type:                 models.DecisionTypeApproval,
		Role:                 "route",
		AllowedDecisionTypes: []models.DecisionType{models.DecisionTypeApproval},
		Invoke: func(ctx context.Context, deps Deps, input map[string]any) (map[string]any, error) {
			record, ok := input["approval_record"].(*models.ApprovalRecord)
			if !ok || record == nil {
				return map[string]any{
					"decision":          string(models.ApprovalPending),
					"action_authorized": false,
				}, nil
			}

			authorized := record.Decision == models.ApprovalApproved
			return map[string]any{
				"decision":          string(record.Decision),
				"action_authorized": authorized,
				"approver_id":       record.ApproverID,
				"rationale":         record.Rationale,
			}, nil
		},
	}
}

// NewPostmortemAgent builds the descriptor for the post-mortem agent. It
// only accepts incidents already in Resolved or Closed state and never
// mutates incident state itself — it only produces a summary
// DecisionRecord and optional follow-up action items.
func NewPostmortemAgent() AgentDescriptor {
	return AgentDescriptor{
		Type:                 models.DecisionTypePostmortem,
		Role:                 "optimize",
		AllowedDecisionTypes: []models.DecisionType{models.DecisionTypePostmortem},
		Invoke: func(ctx context.Context, deps Deps, input map[string]any) (map[string]any, error) {
			incident, ok := input["incident"].(*models.Incident)
			if !ok || incident == nil {
				return nil, fmt.Errorf("postmortem agent: missing incident input")
			}
			if incident.State != models.StateResolved && incident.State != models.StateClosed {
				return nil, fmt.Errorf("postmortem agent: incident %s is not resolved or closed", incident.IncidentID)
			}

			return map[string]any{
				"summary":           summarize(incident),
				"timeline_length":   len(incident.Timeline),
				"peak_severity":     incident.PeakSeverity,
				"action_items":      []string{},
				"remediation_tries": incident.RemediationAttempts,
			}, nil
		},
	}
}

func summarize(incident *models.Incident) string {
	return fmt.Sprintf("incident %s reached %s after %d timeline entries, peak severity %s",
		incident.IncidentID, incident.State, len(incident.Timeline), incident.PeakSeverity)
}
