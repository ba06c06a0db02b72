package heapwatch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/wren/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// fixedSampler returns a sequence of used-heap values against a fixed limit
func fixedSampler(used *uint64) Sampler {
	return func() (Sample, error) {
		return Sample{Resident: 4096, HeapTotal: 2048, HeapUsed: *used}, nil
	}
}

func TestTick_FailCounterResets(t *testing.T) {
	used := uint64(50)
	h := New(Config{
		WorkerID:   1,
		LimitBytes: 100,
		Sampler:    fixedSampler(&used),
	})

	h.tick()
	assert.Equal(t, 0, h.FailCount())

	used = 150
	h.tick()
	h.tick()
	assert.Equal(t, 2, h.FailCount())

	used = 50
	h.tick()
	assert.Equal(t, 0, h.FailCount(), "a single good tick resets the counter")
}

func TestTick_NoEscalationWithinThreshold(t *testing.T) {
	used := uint64(150)
	escalated := false
	h := New(Config{
		WorkerID:          1,
		LimitBytes:        100,
		Clustered:         true,
		RequestDisconnect: func() { escalated = true },
		Sampler:           fixedSampler(&used),
		Exit:              func(int) { escalated = true },
	})

	for i := 0; i < fatalThreshold; i++ {
		h.tick()
	}
	assert.Equal(t, fatalThreshold, h.FailCount())
	assert.False(t, escalated, "no fatal action until the counter exceeds the threshold")
}

func TestTick_EscalatesClustered(t *testing.T) {
	used := uint64(150)
	disconnect := make(chan struct{})
	h := New(Config{
		WorkerID:          1,
		LimitBytes:        100,
		Clustered:         true,
		RequestDisconnect: func() { close(disconnect) },
		Sampler:           fixedSampler(&used),
		Exit:              func(int) {},
	})

	for i := 0; i < fatalThreshold+1; i++ {
		h.tick()
	}

	select {
	case <-disconnect:
	case <-time.After(disconnectGrace + 500*time.Millisecond):
		t.Fatal("graceful disconnect was not requested")
	}

	// Escalation stops the watch; the stop channel must be closed.
	select {
	case <-h.stopCh:
	default:
		t.Fatal("watch should stop itself after escalating")
	}
}

func TestTick_NonClusteredLogsOnly(t *testing.T) {
	used := uint64(150)
	escalated := false
	h := New(Config{
		WorkerID:          0,
		LimitBytes:        100,
		Clustered:         false,
		RequestDisconnect: func() { escalated = true },
		Sampler:           fixedSampler(&used),
		Exit:              func(int) { escalated = true },
	})

	for i := 0; i < fatalThreshold+3; i++ {
		h.tick()
	}
	assert.False(t, escalated)

	// The watch keeps running in log-only mode.
	select {
	case <-h.stopCh:
		t.Fatal("non-clustered watch must not stop itself")
	default:
	}
}

func TestTick_SamplerError(t *testing.T) {
	h := New(Config{
		WorkerID:   1,
		LimitBytes: 100,
		Sampler: func() (Sample, error) {
			return Sample{}, assert.AnError
		},
	})

	h.tick()
	assert.Equal(t, 0, h.FailCount())
}

func TestProcessSampler(t *testing.T) {
	sample, err := processSampler()()
	require.NoError(t, err)
	assert.NotZero(t, sample.HeapUsed)
	assert.NotZero(t, sample.HeapTotal)
	assert.NotZero(t, sample.Resident)
}

