package decisionstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/breaker"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	br := breaker.New(breaker.Settings{Name: "test", FailureThreshold: 10, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	client := New(Config{BaseURL: server.URL, Token: "tok", Timeout: time.Second}, br)
	return client, server.Close
}

func TestClient_StoreDecision_Success(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(StoreDecisionResult{ID: "dec-1"})
	})
	defer closeFn()

	result, err := client.StoreDecision(context.Background(), &models.DecisionRecord{ID: "dec-1"})

	require.NoError(t, err)
	assert.Equal(t, "dec-1", result.ID)
}

func TestClient_StoreDecision_UnauthorizedIsTerminal(t *testing.T) {
	attempts := 0
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeFn()

	_, err := client.StoreDecision(context.Background(), &models.DecisionRecord{ID: "dec-1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrForbidden)
	assert.Equal(t, 1, attempts, "a 401 must not be retried")
}

func TestClient_StoreDecision_ServerErrorRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(StoreDecisionResult{ID: "dec-2"})
	})
	defer closeFn()
	client.baseDelay = time.Millisecond
	client.capDelay = 5 * time.Millisecond

	result, err := client.StoreDecision(context.Background(), &models.DecisionRecord{ID: "dec-2"})

	require.NoError(t, err)
	assert.Equal(t, "dec-2", result.ID)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestClient_GetIncidentState_NotFound(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer closeFn()

	_, err := client.GetIncidentState(context.Background(), "missing")

	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestClient_UpdateIncidentState_ConflictIsNotRetried(t *testing.T) {
	attempts := 0
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		assert.Equal(t, "v1", r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusConflict)
	})
	defer closeFn()

	_, err := client.UpdateIncidentState(context.Background(), "inc-1", map[string]any{"state": "Triaged"}, "v1")

	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrStateConflict)
	assert.Equal(t, 1, attempts)
}

func TestClient_UpdateIncidentState_Success(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(struct {
			State models.IncidentState `json:"state"`
		}{State: models.StateTriaged})
	})
	defer closeFn()

	state, err := client.UpdateIncidentState(context.Background(), "inc-1", map[string]any{"state": "Triaged"}, "v1")

	require.NoError(t, err)
	assert.Equal(t, models.StateTriaged, state)
}
