package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

func alert(source models.AlertSource, metric, resource string, sev models.Severity) *models.Alert {
	return &models.Alert{
		AlertID:      "a-1",
		Source:       source,
		SeverityHint: sev,
		MetricName:   metric,
		ResourceID:   resource,
	}
}

func TestFingerprintStrict_SameInputsSameBucket(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	a := alert(models.AlertSourceAnomaly, "cpu", "svc-a", models.SeverityP1)

	fp1 := FingerprintStrict(a, now)
	fp2 := FingerprintStrict(a, now.Add(5*time.Second))

	assert.Equal(t, fp1, fp2, "same 60s bucket should produce identical fingerprints")
}

func TestFingerprintStrict_DifferentBucketDiffers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	a := alert(models.AlertSourceAnomaly, "cpu", "svc-a", models.SeverityP1)

	fp1 := FingerprintStrict(a, now)
	fp2 := FingerprintStrict(a, now.Add(90*time.Second))

	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintFuzzy_CollapsesSeverityRange(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a1 := &models.Alert{ServiceFamily: "payments", MetricFamily: "latency", SeverityHint: models.SeverityP0}
	a2 := &models.Alert{ServiceFamily: "payments", MetricFamily: "latency", SeverityHint: models.SeverityP1}

	assert.Equal(t, FingerprintFuzzy(a1, now), FingerprintFuzzy(a2, now))
}

func TestIndex_LookupOrdersByCreatedAt(t *testing.T) {
	idx := NewIndex()
	now := time.Now()

	idx.Put("fp-1", "incident-b", now.Add(time.Second))
	idx.Put("fp-1", "incident-a", now)

	candidates := idx.Lookup("fp-1")

	require.Len(t, candidates, 2)
	assert.Equal(t, "incident-a", candidates[0])
	assert.Equal(t, "incident-b", candidates[1])
}

func TestIndex_RemoveDropsEntry(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	idx.Put("fp-1", "incident-a", now)

	idx.Remove("fp-1", "incident-a")

	assert.Empty(t, idx.Lookup("fp-1"))
}

func TestGraph_EmptyGraphNeverCorrelates(t *testing.T) {
	g := NewGraph(nil)

	assert.False(t, g.PathExists("service-a", "service-b", 5))
	assert.True(t, g.PathExists("service-a", "service-a", 5))
}

func TestGraph_PathExistsAcrossHops(t *testing.T) {
	g := NewGraph(map[string][]string{
		"db":  {"api"},
		"api": {"frontend"},
	})

	assert.True(t, g.PathExists("db", "frontend", 3))
	assert.False(t, g.PathExists("db", "frontend", 1))
}

func TestEngine_Evaluate_NoCandidateMeansNewIncident(t *testing.T) {
	e := NewEngine(NewGraph(nil), 5*time.Minute, 2*time.Minute)
	a := alert(models.AlertSourceAnomaly, "cpu", "svc-a", models.SeverityP1)

	result := e.Evaluate(a, time.Now())

	assert.Empty(t, result.Candidates)
	assert.NotEmpty(t, result.Fingerprint)
}

func TestEngine_Evaluate_MatchesOpenIncident(t *testing.T) {
	e := NewEngine(NewGraph(nil), 5*time.Minute, 2*time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := alert(models.AlertSourceAnomaly, "cpu", "svc-a", models.SeverityP1)
	e.Index.Put(MatchKey(a), "incident-a", now)

	result := e.Evaluate(a, now)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "incident-a", result.Candidates[0])
}

func TestEngine_Evaluate_MatchesAcrossMinuteBucketBoundary(t *testing.T) {
	// Two alerts 30s apart that straddle a 60s strict-fingerprint bucket
	// boundary must still merge: the dedup window (5 minutes by default),
	// not the fingerprint's internal time bucket, is what gates matching.
	e := NewEngine(NewGraph(nil), 5*time.Minute, 2*time.Minute)
	first := time.Date(2026, 1, 1, 0, 0, 45, 0, time.UTC)
	second := first.Add(30 * time.Second) // crosses into the next 60s bucket
	a := alert(models.AlertSourceAnomaly, "cpu", "svc-a", models.SeverityP1)

	require.NotEqual(t, FingerprintStrict(a, first), FingerprintStrict(a, second), "test setup must actually straddle a bucket boundary")

	e.Index.Put(MatchKey(a), "incident-a", first)

	result := e.Evaluate(a, second)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "incident-a", result.Candidates[0])
}

func TestEngine_WithinDedupWindow_BoundaryExcludesOneMillisecondPast(t *testing.T) {
	e := NewEngine(NewGraph(nil), 5*time.Minute, 2*time.Minute)
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, e.WithinDedupWindow(last, last.Add(5*time.Minute)))
	assert.False(t, e.WithinDedupWindow(last, last.Add(5*time.Minute+time.Millisecond)))
}

func TestEngine_IsDownstreamEffect_RespectsCorrelationWindow(t *testing.T) {
	e := NewEngine(NewGraph(map[string][]string{"db": {"api"}}), 5*time.Minute, 1*time.Minute)
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, e.IsDownstreamEffect("db", "api", last, last.Add(30*time.Second)))
	assert.False(t, e.IsDownstreamEffect("db", "api", last, last.Add(2*time.Minute)))
}
