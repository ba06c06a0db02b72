package heapwatch

import (
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/metrics"
)

const (
	// DefaultInterval is the heap sampling period
	DefaultInterval = 60 * time.Second

	// gcInterval is the GC-pause reporting cadence
	gcInterval = 1 * time.Second

	// fatalThreshold is the number of contiguous over-ceiling ticks
	// tolerated before escalation
	fatalThreshold = 3

	// disconnectGrace is how long after the fatal tick the graceful
	// disconnect is requested
	disconnectGrace = 1 * time.Second

	// exitGrace is how long after the fatal tick the process is forced out
	exitGrace = 60 * time.Second
)

// Sample is one heap measurement
type Sample struct {
	Resident  uint64
	HeapTotal uint64
	HeapUsed  uint64
}

// Sampler produces heap measurements; replaced in tests
type Sampler func() (Sample, error)

// Config holds heap watch configuration
type Config struct {
	WorkerID   int
	LimitBytes uint64

	// Clustered selects the escalation path: disconnect-then-exit when the
	// watch runs inside a forked worker, log-only otherwise.
	Clustered bool

	// RequestDisconnect initiates the worker's graceful stop
	RequestDisconnect func()

	Interval time.Duration
	Sampler  Sampler
	Exit     func(code int)
}

// HeapWatch periodically samples memory inside a worker and escalates when
// used heap stays above the configured ceiling.
type HeapWatch struct {
	cfg       Config
	logger    zerolog.Logger
	label     string
	failCount int

	lastNumGC int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a heap watch for the current process
func New(cfg Config) *HeapWatch {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Sampler == nil {
		cfg.Sampler = processSampler()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &HeapWatch{
		cfg:    cfg,
		logger: log.WithComponent("heapwatch"),
		label:  strconv.Itoa(cfg.WorkerID),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sampling loops
func (h *HeapWatch) Start() {
	go h.run()
	go h.gcLoop()
}

// Stop stops the sampling loops
func (h *HeapWatch) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

func (h *HeapWatch) run() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-h.stopCh:
			return
		}
	}
}

// tick takes one sample, publishes gauges, and advances the fail counter
func (h *HeapWatch) tick() {
	sample, err := h.cfg.Sampler()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Heap sample failed")
		return
	}

	metrics.HeapResidentBytes.WithLabelValues(h.label).Set(float64(sample.Resident))
	metrics.HeapTotalBytes.WithLabelValues(h.label).Set(float64(sample.HeapTotal))
	metrics.HeapUsedBytes.WithLabelValues(h.label).Set(float64(sample.HeapUsed))

	if sample.HeapUsed <= h.cfg.LimitBytes {
		h.failCount = 0
		return
	}
	h.failCount++

	if h.failCount <= fatalThreshold {
		h.logger.Warn().
			Uint64("heap_used", sample.HeapUsed).
			Uint64("limit", h.cfg.LimitBytes).
			Int("contiguous", h.failCount).
			Msg("Heap used above ceiling")
		return
	}

	h.logger.Error().
		Uint64("heap_used", sample.HeapUsed).
		Uint64("limit", h.cfg.LimitBytes).
		Int("contiguous", h.failCount).
		Msg("Heap used above ceiling beyond tolerance")

	if !h.cfg.Clustered {
		return
	}

	// Escalate once; further ticks while the grace timers run are moot.
	h.Stop()

	if h.cfg.RequestDisconnect != nil {
		time.AfterFunc(disconnectGrace, h.cfg.RequestDisconnect)
	}
	time.AfterFunc(exitGrace, func() {
		h.cfg.Exit(1)
	})
}

// FailCount returns the contiguous over-ceiling tick count
func (h *HeapWatch) FailCount() int {
	return h.failCount
}

// gcLoop reports GC pauses accumulated since the previous second. The
// runtime exposing no new pauses is the common case, not an error.
func (h *HeapWatch) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	h.lastNumGC = stats.NumGC

	for {
		select {
		case <-ticker.C:
			debug.ReadGCStats(&stats)
			fresh := stats.NumGC - h.lastNumGC
			if fresh <= 0 {
				continue
			}
			if fresh > int64(len(stats.Pause)) {
				fresh = int64(len(stats.Pause))
			}
			// Pause[0] is the most recent pause.
			for i := int64(0); i < fresh; i++ {
				metrics.GCPauseSeconds.WithLabelValues(h.label).Observe(stats.Pause[i].Seconds())
			}
			h.lastNumGC = stats.NumGC
		case <-h.stopCh:
			return
		}
	}
}

// processSampler measures the current process: RSS via the OS, heap via the
// Go runtime.
func processSampler() Sampler {
	proc, procErr := process.NewProcess(int32(os.Getpid()))

	return func() (Sample, error) {
		var sample Sample

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		sample.HeapTotal = ms.HeapSys
		sample.HeapUsed = ms.HeapAlloc

		if procErr != nil {
			return sample, procErr
		}
		info, err := proc.MemoryInfo()
		if err != nil {
			return sample, err
		}
		sample.Resident = info.RSS
		return sample, nil
	}
}
