package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/agents"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/breaker"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/classifier"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/contract"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/decisionstore"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/guard"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/lifecycle"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/metrics"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, input classifier.ClassifyInput) (<-chan classifier.ClassifyChunk, error) {
	out := make(chan classifier.ClassifyChunk, 1)
	out <- classifier.ClassifyChunk{Text: "elevated", Severity: models.SeverityP1, Confidence: 0.8, Done: true}
	close(out)
	return out, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *eventbus.Bus) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(decisionstore.StoreDecisionResult{ID: "dec-1"})
	}))
	t.Cleanup(server.Close)

	br := breaker.New(breaker.Settings{Name: "decision-store", FailureThreshold: 10, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	store := decisionstore.New(decisionstore.Config{BaseURL: server.URL, Timeout: time.Second}, br)

	bus := eventbus.New(100, metrics.NopRecorder{})
	machine := lifecycle.New(3)

	disp := &Dispatcher{
		Machine:   machine,
		Store:     store,
		Bus:       bus,
		Validator: contract.New(),
		Schemas: map[models.DecisionType]AgentSchemas{
			models.DecisionTypeEscalation: {
				Input:  contract.Schema{Name: "escalation.input", RequiredFields: []string{"incident_id"}},
				Output: contract.Schema{Name: "escalation.output", RequiredFields: []string{"recommended_severity", "confidence"}},
			},
		},
		Budgets: guard.Budgets{MaxTokens: 1000, MaxLatencyMS: 5000, MaxExternalCalls: 5},
		Deps:    agents.Deps{Classifier: stubClassifier{}},
		Env:     models.EnvironmentDevelopment,
	}
	return disp, bus
}

func TestDispatcher_Invoke_PersistsDecisionBeforePublishing(t *testing.T) {
	disp, bus := newTestDispatcher(t)
	disp.Machine.Create("inc-1", models.SeverityP2, "svc-a", nil, time.Now())
	bus.Subscribe("observer", models.Filter{})

	result, err := disp.Invoke(context.Background(), InvokeRequest{
		IncidentID: "inc-1",
		Agent:      agents.NewEscalationAgent(),
		Actor:      "tester",
		Now:        time.Now(),
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.Decision.ID)
	assert.Equal(t, models.DecisionTypeEscalation, result.Decision.DecisionType)
	assert.Equal(t, 1, bus.PendingCount("observer"))
}

func TestDispatcher_Invoke_UnknownIncidentFails(t *testing.T) {
	disp, _ := newTestDispatcher(t)

	_, err := disp.Invoke(context.Background(), InvokeRequest{
		IncidentID: "missing",
		Agent:      agents.NewEscalationAgent(),
		Actor:      "tester",
		Now:        time.Now(),
	})

	require.Error(t, err)
}

func TestDispatcher_Invoke_MissingSchemaFails(t *testing.T) {
	disp, _ := newTestDispatcher(t)
	disp.Machine.Create("inc-1", models.SeverityP2, "svc-a", nil, time.Now())

	_, err := disp.Invoke(context.Background(), InvokeRequest{
		IncidentID: "inc-1",
		Agent:      agents.NewPostmortemAgent(),
		Actor:      "tester",
		Now:        time.Now(),
	})

	require.Error(t, err)
}

func TestDispatcher_ApplyTransition_PublishesStateChange(t *testing.T) {
	disp, bus := newTestDispatcher(t)
	disp.Machine.Create("inc-1", models.SeverityP2, "svc-a", nil, time.Now())
	bus.Subscribe("observer", models.Filter{Topics: map[models.EventTopic]struct{}{models.TopicIncidentStateChanged: {}}})

	updated, err := disp.ApplyTransition(context.Background(), "inc-1", models.StateTriaged, "triage", "tester", time.Now().Add(time.Second))

	require.NoError(t, err)
	assert.Equal(t, models.StateTriaged, updated.State)
	assert.Equal(t, 1, bus.PendingCount("observer"))
}
