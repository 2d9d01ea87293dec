package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrict(t *testing.T) {
	for _, ok := range []string{
		"2025-01-01T00:00:00Z",
		"2025-01-01T00:00:00.250Z",
		"2025-06-30T23:59:59+02:00",
	} {
		_, err := Parse(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{
		"",
		"2025-01-01",
		"not-a-time",
		"2025-01-01 00:00:00",
		"2025-13-01T00:00:00Z",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestEpochMSOrdering(t *testing.T) {
	a, ok := EpochMS("2025-01-01T00:00:00.000Z")
	require.True(t, ok)
	b, ok := EpochMS("2025-01-01T00:00:00.001Z")
	require.True(t, ok)
	assert.Less(t, a, b)

	_, ok = EpochMS("garbage")
	assert.False(t, ok)
}

func TestDayBucket(t *testing.T) {
	day, err := DayBucket("2025-03-05T23:59:59Z")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", day)
}

func TestSteppingClock(t *testing.T) {
	c, err := NewSteppingClock("2025-01-01T00:00:00Z", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", c.NowISO())
	assert.Equal(t, "2025-01-01T00:00:01.000Z", c.NowISO())
}

func TestMintID(t *testing.T) {
	assert.Equal(t, "del_000001", MintID("del", 1))
	assert.Equal(t, "run_000042", MintID("run", 42))
}

func TestDeterministicID(t *testing.T) {
	a, err := DeterministicID("eval", map[string]any{"k": "v"})
	require.NoError(t, err)
	b, err := DeterministicID("eval", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, len("eval_")+16)
}
