package canon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_IsOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestHash_DiffersOnValueChange(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"a": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestMarshal_TimeIsUTCMillisecond(t *testing.T) {
	loc := time.FixedZone("test", 3600)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 123456789, loc)

	out, err := Marshal(map[string]any{"ts": ts})
	require.NoError(t, err)

	assert.Contains(t, string(out), `"2026-01-02T02:04:05.123Z"`)
}

func TestHash_Deterministic(t *testing.T) {
	data := map[string]any{"x": []any{1, 2, 3}, "y": "z"}

	first, err := Hash(data)
	require.NoError(t, err)
	second, err := Hash(data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}
