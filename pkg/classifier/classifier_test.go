package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/breaker"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

type stubClassifier struct {
	err   error
	chunk ClassifyChunk
}

func (s stubClassifier) Classify(ctx context.Context, input ClassifyInput) (<-chan ClassifyChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan ClassifyChunk, 1)
	out <- s.chunk
	close(out)
	return out, nil
}

func drain(t *testing.T, ch <-chan ClassifyChunk) []ClassifyChunk {
	t.Helper()
	var out []ClassifyChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestBreakerGuarded_PassesThroughOnSuccess(t *testing.T) {
	br := breaker.New(breaker.Settings{Name: "test", FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	inner := stubClassifier{chunk: ClassifyChunk{Severity: models.SeverityP1, Done: true}}
	guarded := NewBreakerGuarded(inner, br)

	ch, err := guarded.Classify(context.Background(), ClassifyInput{IncidentID: "inc-1"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.SeverityP1, chunks[0].Severity)
}

func TestBreakerGuarded_OpenBreakerYieldsErrorChunk(t *testing.T) {
	br := breaker.New(breaker.Settings{Name: "test", FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	inner := stubClassifier{err: errors.New("unavailable")}
	guarded := NewBreakerGuarded(inner, br)

	_, _ = guarded.Classify(context.Background(), ClassifyInput{})
	ch, err := guarded.Classify(context.Background(), ClassifyInput{})

	require.NoError(t, err, "a tripped breaker is reported via the chunk channel, not a returned error")
	chunks := drain(t, ch)
	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)
	assert.True(t, chunks[0].Done)
}
