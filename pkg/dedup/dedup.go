// Package dedup implements the Deduplication & Correlation Engine: strict
// and fuzzy fingerprinting, a sharded open-incident index, and a
// dependency-graph-based cross-service correlator. The sharded map follows
// tarsy's own idiom of plain sync.RWMutex-guarded maps rather than an
// external concurrent-map library the retrieval pack never uses.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

const shardCount = 16

// FingerprintStrict computes the strict fingerprint of an alert:
// H(source ∥ metric_or_event_type ∥ resource_id ∥ severity ∥ time_bucket_strict)
// where time_bucket_strict = floor(now/60s). This is the value recorded
// into an incident's correlation keys and audit trail.
func FingerprintStrict(a *models.Alert, now time.Time) string {
	bucket := now.Unix() / 60
	return hash(string(a.Source), a.MetricName, a.ResourceID, string(a.SeverityHint), strconv.FormatInt(bucket, 10))
}

// matchIdentity computes the time-bucket-free identity key
// (source ∥ metric_or_event_type ∥ resource_id ∥ severity) the open-incident
// index is actually keyed on. The dedup window itself (5 minutes by
// default) already bounds how long a match is honored via
// WithinDedupWindow, so the 60s bucket baked into FingerprintStrict must
// not also gate matching — two alerts 30s apart that straddle a minute
// boundary would otherwise fail to merge despite landing well inside the
// window.
func matchIdentity(a *models.Alert) string {
	return hash(string(a.Source), a.MetricName, a.ResourceID, string(a.SeverityHint))
}

// MatchKey exposes the time-bucket-free identity key used to index and
// look up open incidents, for callers (the Ingestor) that need to register
// a newly created incident's identity in the Index themselves.
func MatchKey(a *models.Alert) string {
	return matchIdentity(a)
}

// FingerprintFuzzy computes the fuzzy fingerprint:
// H(service_family ∥ metric_family ∥ severity_range ∥ time_bucket_fuzzy)
// where time_bucket_fuzzy = floor(now/300s).
func FingerprintFuzzy(a *models.Alert, now time.Time) string {
	bucket := now.Unix() / 300
	return hash(a.ServiceFamily, a.MetricFamily, models.SeverityRange(a.SeverityHint), strconv.FormatInt(bucket, 10))
}

func hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // separator so adjacent parts never collide across a boundary
	}
	return hex.EncodeToString(h.Sum(nil))
}

// openEntry is one open-incident index record.
type openEntry struct {
	incidentID string
	createdAt  time.Time
}

// shard is one lock-guarded partition of the open-incident index.
type shard struct {
	mu      sync.RWMutex
	byPrint map[string][]openEntry
}

// Index is the sharded, concurrent-safe open-incident lookup: identity key
// (MatchKey, no time bucket) to candidate open incidents. Each shard is
// guarded by a plain RWMutex (tarsy's own concurrency idiom, no external
// library); reads take the shard's read lock and are not lock-free.
type Index struct {
	shards [shardCount]*shard
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{byPrint: make(map[string][]openEntry)}
	}
	return idx
}

func (idx *Index) shardFor(fingerprint string) *shard {
	var h uint32
	for i := 0; i < len(fingerprint); i++ {
		h = h*31 + uint32(fingerprint[i])
	}
	return idx.shards[h%shardCount]
}

// Lookup returns the candidate incident ids recorded under key
// fingerprint, ordered by earliest CreatedAt first (the tie-break rule for
// multi-match).
func (idx *Index) Lookup(fingerprint string) []string {
	s := idx.shardFor(fingerprint)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]openEntry(nil), s.byPrint[fingerprint]...)
	sortByCreatedAt(entries)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.incidentID
	}
	return out
}

// Put records that incidentID owns fingerprint, created at createdAt.
func (idx *Index) Put(fingerprint, incidentID string, createdAt time.Time) {
	s := idx.shardFor(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrint[fingerprint] = append(s.byPrint[fingerprint], openEntry{incidentID: incidentID, createdAt: createdAt})
}

// Remove drops incidentID from fingerprint's candidate list. Nothing in the
// ingest path calls it when an incident closes; the Ingestor skips
// candidates whose state is terminal instead.
func (idx *Index) Remove(fingerprint, incidentID string) {
	s := idx.shardFor(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byPrint[fingerprint]
	for i, e := range entries {
		if e.incidentID == incidentID {
			s.byPrint[fingerprint] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func sortByCreatedAt(entries []openEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].createdAt.Before(entries[j-1].createdAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Graph is the cross-service dependency graph the correlator consults
// (loaded once at startup from configuration; the graph's own contents are
// an external concern). An empty graph degrades to no cross-service
// correlation.
type Graph struct {
	edges map[string][]string // service -> services it can affect downstream
}

// NewGraph builds a Graph from a service->downstream-services edge map.
func NewGraph(edges map[string][]string) *Graph {
	if edges == nil {
		edges = map[string][]string{}
	}
	return &Graph{edges: edges}
}

// PathExists reports whether there is a directed path from 'from' to 'to'
// within maxHops, via breadth-first search.
func (g *Graph) PathExists(from, to string, maxHops int) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	frontier := []string{from}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		next := make([]string, 0)
		for _, node := range frontier {
			for _, neighbor := range g.edges[node] {
				if neighbor == to {
					return true
				}
				if !visited[neighbor] {
					visited[neighbor] = true
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}
	return false
}

// Engine composes fingerprinting, the open-incident index, and the
// correlation graph into the merge/suppress decisions the dispatcher needs.
type Engine struct {
	Index             *Index
	Graph             *Graph
	DedupWindow       time.Duration
	CorrelationWindow time.Duration
}

// NewEngine constructs an Engine.
func NewEngine(graph *Graph, dedupWindow, correlationWindow time.Duration) *Engine {
	return &Engine{
		Index:             NewIndex(),
		Graph:             graph,
		DedupWindow:       dedupWindow,
		CorrelationWindow: correlationWindow,
	}
}

// MatchResult is the outcome of evaluating an incoming alert against open
// incidents.
type MatchResult struct {
	// Candidates lists every open incident sharing this alert's identity
	// key, earliest CreatedAt first (the multi-match tie-break rule). The
	// index only narrows by identity, not by window — the caller must walk
	// Candidates and take the first one still within WithinDedupWindow,
	// since an aged-out earliest candidate must never block a merge into a
	// younger still-open one sharing the same identity.
	Candidates []string
	// Fingerprint is the alert's strict fingerprint, recorded as a
	// correlation key either way.
	Fingerprint string
}

// Evaluate matches alert against the open-incident index using its
// time-bucket-free identity key. now is the evaluation time (injected for
// determinism under test) and is used to compute the recorded strict
// fingerprint.
func (e *Engine) Evaluate(alert *models.Alert, now time.Time) MatchResult {
	fp := FingerprintStrict(alert, now)
	key := matchIdentity(alert)
	return MatchResult{Candidates: e.Index.Lookup(key), Fingerprint: fp}
}

// WithinDedupWindow reports whether an alert at now still falls inside the
// dedup window relative to lastActivity on the candidate incident. An alert
// arriving exactly dedup_window+1ms after the prior activity produces a new
// incident (the documented boundary behavior).
func (e *Engine) WithinDedupWindow(lastActivity, now time.Time) bool {
	return now.Sub(lastActivity) <= e.DedupWindow
}

// IsDownstreamEffect reports whether an alert on service s should be
// suppressed as a downstream effect of an open incident on service t,
// within the correlation window.
func (e *Engine) IsDownstreamEffect(t, s string, incidentLastActivity, now time.Time) bool {
	if now.Sub(incidentLastActivity) > e.CorrelationWindow {
		return false
	}
	return e.Graph.PathExists(t, s, len(e.Graph.edges)+1)
}
