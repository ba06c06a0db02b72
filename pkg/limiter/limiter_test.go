package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ObserveAccumulates(t *testing.T) {
	c := NewClient(time.Hour, nil)

	assert.False(t, c.Observe("k", 10, 1))
	assert.False(t, c.Observe("k", 10, 2))
	assert.False(t, c.Observe("k", 5, 1))

	c.mu.Lock()
	counter := c.counters["k"]
	c.mu.Unlock()

	require.NotNil(t, counter)
	assert.Equal(t, int64(4), counter.Value)
	assert.ElementsMatch(t, []int64{10, 5}, counter.Limits)
	assert.False(t, counter.FirstSeenAt.IsZero())
}

func TestClient_BlockDecisions(t *testing.T) {
	c := NewClient(time.Hour, nil)
	c.SetBlocks(map[string]int64{"k": 100})

	// Blocked only above the caller's limit.
	assert.True(t, c.Observe("k", 50, 1))
	assert.False(t, c.Observe("k", 100, 1))
	assert.False(t, c.Observe("k", 200, 1))

	assert.True(t, c.Peek("k", 50))
	assert.False(t, c.Peek("k", 200))
	assert.False(t, c.Peek("other", 1))
}

func TestClient_PeekDoesNotCount(t *testing.T) {
	c := NewClient(time.Hour, nil)
	c.Peek("k", 10)

	c.mu.Lock()
	_, exists := c.counters["k"]
	c.mu.Unlock()
	assert.False(t, exists)
}

func TestClient_DrainSwapsCounters(t *testing.T) {
	var shipped []map[string]*Counter
	c := NewClient(time.Hour, func(counters map[string]*Counter) error {
		shipped = append(shipped, counters)
		return nil
	})

	c.Observe("a", 10, 3)
	c.Observe("b", 10, 1)
	c.Drain()

	require.Len(t, shipped, 1)
	assert.Equal(t, int64(3), shipped[0]["a"].Value)
	assert.Equal(t, int64(1), shipped[0]["b"].Value)

	// The map was replaced wholesale; a second drain ships nothing.
	c.Drain()
	assert.Len(t, shipped, 1)

	// Fresh observations start from zero.
	c.Observe("a", 10, 1)
	c.Drain()
	require.Len(t, shipped, 2)
	assert.Equal(t, int64(1), shipped[1]["a"].Value)
}

func TestClient_DrainSurvivesTransportError(t *testing.T) {
	calls := 0
	c := NewClient(time.Hour, func(map[string]*Counter) error {
		calls++
		return assert.AnError
	})

	c.Observe("a", 10, 1)
	c.Drain()
	assert.Equal(t, 1, calls)

	// Errors are swallowed; the next interval ships fresh counters.
	c.Observe("a", 10, 1)
	c.Drain()
	assert.Equal(t, 2, calls)
}

func TestClient_SetBlocksReplacesWholesale(t *testing.T) {
	c := NewClient(time.Hour, nil)
	c.SetBlocks(map[string]int64{"a": 10, "b": 20})
	c.SetBlocks(map[string]int64{"c": 30})

	assert.False(t, c.Peek("a", 1))
	assert.False(t, c.Peek("b", 1))
	assert.True(t, c.Peek("c", 1))
}
