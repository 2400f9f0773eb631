package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/classifier"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

type stubClassifier struct {
	severity   models.Severity
	confidence float64
}

func (s stubClassifier) Classify(ctx context.Context, input classifier.ClassifyInput) (<-chan classifier.ClassifyChunk, error) {
	out := make(chan classifier.ClassifyChunk, 1)
	out <- classifier.ClassifyChunk{Text: "elevated error rate", Severity: s.severity, Confidence: s.confidence, Done: true}
	close(out)
	return out, nil
}

func TestEscalationAgent_UsesClassifierResult(t *testing.T) {
	descriptor := NewEscalationAgent()
	deps := Deps{Classifier: stubClassifier{severity: models.SeverityP0, confidence: 0.9}}

	out, err := descriptor.Invoke(context.Background(), deps, map[string]any{
		"incident_id": "inc-1",
		"alert":       &models.Alert{AlertID: "a-1"},
	})

	require.NoError(t, err)
	assert.Equal(t, models.SeverityP0, out["recommended_severity"])
	assert.Equal(t, 0.9, out["confidence"])
	assert.Equal(t, "coordinate", descriptor.Role)
}

func TestApprovalAgent_NeverAutoApproves(t *testing.T) {
	descriptor := NewApprovalAgent()

	out, err := descriptor.Invoke(context.Background(), Deps{}, map[string]any{"incident_id": "inc-1"})

	require.NoError(t, err)
	assert.Equal(t, string(models.ApprovalPending), out["decision"])
	assert.False(t, out["action_authorized"].(bool))
}

func TestApprovalAgent_RelaysApprovedDecision(t *testing.T) {
	descriptor := NewApprovalAgent()
	record := &models.ApprovalRecord{
		ApproverID:        "approver-1",
		ApproverType:      "human",
		Decision:          models.ApprovalApproved,
		DecisionTimestamp: time.Now(),
	}

	out, err := descriptor.Invoke(context.Background(), Deps{}, map[string]any{
		"incident_id":     "inc-1",
		"approval_record": record,
	})

	require.NoError(t, err)
	assert.Equal(t, string(models.ApprovalApproved), out["decision"])
	assert.True(t, out["action_authorized"].(bool))
}

func TestApprovalAgent_RejectedDecisionNeverAuthorizes(t *testing.T) {
	descriptor := NewApprovalAgent()
	record := &models.ApprovalRecord{
		ApproverID:        "approver-1",
		ApproverType:      "human",
		Decision:          models.ApprovalRejected,
		DecisionTimestamp: time.Now(),
	}

	out, err := descriptor.Invoke(context.Background(), Deps{}, map[string]any{
		"incident_id":     "inc-1",
		"approval_record": record,
	})

	require.NoError(t, err)
	assert.False(t, out["action_authorized"].(bool))
}

func TestPostmortemAgent_RejectsNonTerminalIncident(t *testing.T) {
	descriptor := NewPostmortemAgent()
	incident := &models.Incident{IncidentID: "inc-1", State: models.StateInvestigating}

	_, err := descriptor.Invoke(context.Background(), Deps{}, map[string]any{"incident": incident})

	require.Error(t, err)
}

func TestPostmortemAgent_AcceptsResolvedIncident(t *testing.T) {
	descriptor := NewPostmortemAgent()
	incident := &models.Incident{
		IncidentID:   "inc-1",
		State:        models.StateResolved,
		PeakSeverity: models.SeverityP1,
	}

	out, err := descriptor.Invoke(context.Background(), Deps{}, map[string]any{"incident": incident})

	require.NoError(t, err)
	assert.Contains(t, out["summary"], "inc-1")
}
