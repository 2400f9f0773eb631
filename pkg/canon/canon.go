// Package canon implements the canonical JSON encoding and hashing that
// requires for Contract Validator input hashes: sorted object
// keys, UTC ISO-8601 timestamps at millisecond precision, no insignificant
// whitespace — so an identical input produces an identical hash across
// implementations.
//
// encoding/json already sorts map[string]any keys alphabetically when
// marshaling and emits no insignificant whitespace by default, so no
// third-party canonical-JSON library is needed here; this is the one
// standard-library-only leaf documented in DESIGN.md.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Marshal produces the canonical JSON encoding of v: struct/map keys sorted,
// time.Time values rendered as millisecond-precision UTC RFC3339
// ("2006-01-02T15:04:05.000Z"), and no insignificant whitespace. The time
// rewrite applies only to a time.Time passed directly or held in a
// map[string]any / []any tree; a time.Time inside a struct or other typed
// value keeps encoding/json's RFC3339Nano rendering in its own offset.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// Hash returns the hex-encoded SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canon: marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalize converts v into a tree of map[string]any / []any / scalars with
// every time.Time rewritten to its canonical millisecond-UTC string, and
// every map[string]any key-ordered deterministically (encoding/json already
// sorts object keys on marshal, so ordering here only matters for nested
// time.Time discovery).
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		// Structs, slices of structs, and other concrete types are round
		// tripped through JSON to a generic tree. Nested time.Time values are
		// rendered by encoding/json during that round trip and are not
		// rewritten to millisecond UTC afterwards.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		if _, ok := v.(map[string]any); ok {
			return normalize(generic)
		}
		return normalizeGeneric(generic)
	}
}

// normalizeGeneric copies a tree already decoded into
// map[string]any/[]any/scalars (no time.Time values survive a JSON
// round-trip as time.Time); key order is left to encoding/json, which sorts
// map keys when marshaling.
func normalizeGeneric(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalizeGeneric(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalizeGeneric(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return t, nil
	}
}
