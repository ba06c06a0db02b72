package master

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/events"
	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/limiter"
	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/metrics"
	"github.com/wrenlabs/wren/pkg/sticky"
)

const (
	// killGrace is the window between the graceful disconnect request and
	// SIGKILL
	killGrace = 60 * time.Second

	// restartDelayMax bounds the uniform random respawn delay; the jitter
	// avoids thundering-herd restarts
	restartDelayMax = 2000 * time.Millisecond

	// startupBudget is the first-worker three-strike limit
	startupBudget = 3

	// flushDelay gives the log sink a moment before a fatal exit
	flushDelay = 1 * time.Second

	// spawnRetryDelay spaces out retries when the fork itself fails
	spawnRetryDelay = 2 * time.Second
)

// ErrStartupBudget is returned when the first worker dies three times in a
// row without ever reporting startup_finished. The master exits 1 on it.
var ErrStartupBudget = errors.New("first worker startup budget exhausted")

// Supervisor owns the worker pool on this host: fork sequencing, heartbeat
// monitoring, restart policy, rolling restarts, and shutdown. All worker
// record mutation happens under one lock; the monitor, the exit listeners,
// and the rolling-restart driver serialize through it.
type Supervisor struct {
	cfg     *config.Config
	cfgPath string
	runID   string
	logger  zerolog.Logger

	broker     *events.Broker
	agg        *limiter.Aggregator
	dispatcher *sticky.Dispatcher
	collector  *metrics.Collector

	// spawn is the fork entry point; replaced in tests
	spawn func(slot int) (*Record, error)

	mu              sync.Mutex
	records         map[int]*Record // keyed by OS pid
	order           []*Record       // insertion order, for rolling restarts
	shuttingDown    bool
	inRolling       bool
	anyStarted      bool
	initializing    bool
	startupFailures int

	monitorStop chan struct{}
	monitorOnce sync.Once

	// single-process mode state (num_workers == 0)
	singleConn *ipc.Conn
	singleDone chan error
}

// Record tracks one live worker process, keyed by pid in the records map.
// worker_id is the dense 1-based slot, stable across restarts of the slot.
type Record struct {
	WorkerID int
	PID      int

	// LastHeartbeat is zeroed while a kill is in progress
	LastHeartbeat time.Time

	// Status is the last opaque status payload the worker published,
	// dumped for diagnostics on death
	Status []byte

	// Killed suppresses heartbeat double-kills; restart-on-exit is
	// governed by the shutdown/rolling/initializing flags
	Killed bool

	proc         workerProcess
	conn         *ipc.Conn
	stickyConn   *net.UnixConn
	metricsAddr  string
	startupTimer *metrics.Timer
	killReason   string
	killTimer    *time.Timer

	startupOnce sync.Once
	startupCh   chan struct{}
	exitCh      chan struct{}
}

// NewSupervisor creates a supervisor for the given resolved configuration.
// cfgPath is re-read on reload signals.
func NewSupervisor(cfg *config.Config, cfgPath string) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		cfgPath:     cfgPath,
		runID:       uuid.NewString(),
		logger:      log.WithComponent("supervisor"),
		broker:      events.NewBroker(),
		records:     make(map[int]*Record),
		monitorStop: make(chan struct{}),
	}
	s.spawn = s.spawnWorker
	return s
}

// Start brings the pool up: aggregator, sticky listeners, then one worker
// at a time, each gated on the previous worker's startup_finished.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info().Str("run_id", s.runID).Msg("Starting " + s.cfg.String())

	s.broker.Start()
	s.collector = metrics.NewCollector(s, s.broker.Subscribe())
	s.collector.Start()
	metrics.SetWorkerCounter(s.LiveWorkers)
	metrics.SetComponentHealth("supervisor", true, "starting")

	if s.cfg.NumWorkers == 0 {
		if err := s.startSingle(ctx); err != nil {
			return err
		}
		metrics.SetComponentHealth("supervisor", true, "running single-process")
		return nil
	}

	s.agg = limiter.NewAggregator(s.cfg.LimiterInterval(), s.broadcastBlocks)
	s.agg.Start()

	if s.cfg.Sticky.Enabled {
		s.dispatcher = sticky.NewDispatcher(s.cfg.Sticky.Listen, rand.Uint64(), s.selectWorker)
		if err := s.dispatcher.Start(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.initializing = true
	s.mu.Unlock()

	for slot := 1; slot <= s.cfg.NumWorkers; slot++ {
		if err := s.startSlot(slot); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.initializing = false
	s.mu.Unlock()

	go s.heartbeatMonitor()
	metrics.SetComponentHealth("supervisor", true, "running")
	s.logger.Info().Int("workers", s.cfg.NumWorkers).Msg("All workers started")
	return nil
}

// startSlot forks one slot and blocks until its startup_finished. Exits
// before any worker ever started count against the three-strike budget;
// once one worker is up, early exits are ordinary crash-restarts.
func (s *Supervisor) startSlot(slot int) error {
	for {
		rec, err := s.spawn(slot)
		if err != nil {
			s.logger.Error().Err(err).Int("worker_id", slot).Msg("Fork failed")
			if budgetErr := s.countStartupFailure(); budgetErr != nil {
				return budgetErr
			}
			time.Sleep(spawnRetryDelay)
			continue
		}

		select {
		case <-rec.startupCh:
			s.mu.Lock()
			s.anyStarted = true
			s.startupFailures = 0
			s.mu.Unlock()
			return nil
		case <-rec.exitCh:
			s.logger.Warn().Int("worker_id", slot).Int("pid", rec.PID).Msg("Worker died before finishing startup")
			if budgetErr := s.countStartupFailure(); budgetErr != nil {
				return budgetErr
			}
		}
	}
}

func (s *Supervisor) countStartupFailure() error {
	s.mu.Lock()
	exhausted := false
	if !s.anyStarted {
		s.startupFailures++
		exhausted = s.startupFailures >= startupBudget
	}
	attempts := s.startupFailures
	s.mu.Unlock()

	if !exhausted {
		return nil
	}

	s.logger.Error().
		Int("attempts", attempts).
		Msg("First worker failed to start; giving up")
	time.Sleep(flushDelay)
	return ErrStartupBudget
}

// heartbeatMonitor kills workers whose heartbeats go stale. It issues no
// respawn itself; the exit listener owns that.
func (s *Supervisor) heartbeatMonitor() {
	period := s.currentConfig().HeartbeatTimeout()/2 + time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkHeartbeats()
		case <-s.monitorStop:
			return
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	timeout := s.currentConfig().HeartbeatTimeout()
	now := time.Now()

	s.mu.Lock()
	var stale []*Record
	for _, rec := range s.records {
		if rec.Killed {
			continue
		}
		if rec.LastHeartbeat.IsZero() || now.Sub(rec.LastHeartbeat) > timeout {
			stale = append(stale, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range stale {
		s.logger.Error().
			Int("worker_id", rec.WorkerID).
			Int("pid", rec.PID).
			RawJSON("status", statusJSON(rec.Status)).
			Msg("Worker heartbeat timed out")
		s.broker.Publish(&events.Event{
			Type:     events.EventHeartbeatTimeout,
			Message:  fmt.Sprintf("worker %d heartbeat timed out", rec.WorkerID),
			Metadata: map[string]string{"worker_id": fmt.Sprint(rec.WorkerID)},
		})
		s.kill(rec, "heartbeat_timeout")
	}
}

// Reload re-resolves the configuration and cycles workers one at a time. A
// configuration error keeps the old config and aborts the rolling restart.
func (s *Supervisor) Reload() {
	s.mu.Lock()
	if s.shuttingDown || s.inRolling || s.cfg.NumWorkers == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reload failed; keeping current configuration")
		return
	}

	// Rebuild the logger before cycling workers so the new settings cover
	// the restart itself.
	log.Init(log.Config{
		Level:      log.Level(newCfg.LogLevel()),
		JSONOutput: newCfg.LogJSON(),
	})
	s.logger = log.WithComponent("supervisor")
	s.logger.Info().Msg("Configuration reloaded; rolling restart starting")

	// The metrics collector derives the rolling-restart counter from this
	// event.
	s.broker.Publish(&events.Event{Type: events.EventReloadStarted})

	s.mu.Lock()
	s.cfg = newCfg
	s.inRolling = true
	slots := make([]int, 0, len(s.order))
	for _, rec := range s.order {
		slots = append(slots, rec.WorkerID)
	}
	s.mu.Unlock()

	go s.rollingRestart(slots)
}

// rollingRestart replaces each slot in insertion order, keeping the pool
// within one worker of its configured size throughout.
func (s *Supervisor) rollingRestart(slots []int) {
	for _, slot := range slots {
		if s.isShuttingDown() {
			break
		}

		if rec := s.recordBySlot(slot); rec != nil {
			s.kill(rec, "rolling")
			<-rec.exitCh
		}

		for {
			if s.isShuttingDown() {
				break
			}
			rec, err := s.spawn(slot)
			if err != nil {
				s.logger.Error().Err(err).Int("worker_id", slot).Msg("Replacement fork failed")
				time.Sleep(spawnRetryDelay)
				continue
			}
			select {
			case <-rec.startupCh:
			case <-rec.exitCh:
				s.logger.Warn().Int("worker_id", slot).Msg("Replacement died before finishing startup")
				continue
			}
			s.broker.Publish(&events.Event{
				Type:     events.EventWorkerRestarted,
				Message:  fmt.Sprintf("worker %d replaced (pid %d)", slot, rec.PID),
				Metadata: map[string]string{"worker_id": fmt.Sprint(slot), "reason": "rolling"},
			})
			break
		}
	}

	s.mu.Lock()
	s.inRolling = false
	s.mu.Unlock()

	s.broker.Publish(&events.Event{Type: events.EventReloadFinished})
	s.logger.Info().Msg("Rolling restart finished")
}

// Shutdown drains the whole pool and stops every master-side component.
// The caller exits 0 once it returns.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	recs := make([]*Record, len(s.order))
	copy(recs, s.order)
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down")
	s.broker.Publish(&events.Event{Type: events.EventShutdownStarted})

	s.monitorOnce.Do(func() { close(s.monitorStop) })
	if s.agg != nil {
		s.agg.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}

	if s.currentConfig().NumWorkers == 0 {
		s.stopSingle()
	} else {
		var g errgroup.Group
		for _, rec := range recs {
			g.Go(func() error {
				s.kill(rec, "shutdown")
				<-rec.exitCh
				return nil
			})
		}
		_ = g.Wait()
	}

	if s.collector != nil {
		s.collector.Stop()
	}
	s.broker.Stop()
	s.logger.Info().Msg("Shutdown complete")
}

// LiveWorkers returns the number of live worker processes
func (s *Supervisor) LiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// WorkerMetricsEndpoints lists the loopback scrape endpoints workers
// reported at startup, for the federating metrics handler.
func (s *Supervisor) WorkerMetricsEndpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints := make([]string, 0, len(s.records))
	for _, rec := range s.records {
		if rec.metricsAddr != "" {
			endpoints = append(endpoints, rec.metricsAddr)
		}
	}
	return endpoints
}

// Events exposes the supervisor event broker
func (s *Supervisor) Events() *events.Broker {
	return s.broker
}

// currentConfig reads the config pointer under the lock; the pointed-to
// Config is immutable once resolved.
func (s *Supervisor) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (s *Supervisor) recordBySlot(slot int) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.WorkerID == slot {
			return rec
		}
	}
	return nil
}

// broadcastBlocks fans a block set out to every live worker, best-effort
func (s *Supervisor) broadcastBlocks(blocks map[string]int64) {
	s.mu.Lock()
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		if err := rec.conn.Send(ipc.KindRateLimiterBlocks, blocks); err != nil {
			// A worker missing a broadcast keeps its prior block set.
			s.logger.Debug().Err(err).Int("worker_id", rec.WorkerID).Msg("Blocks broadcast failed")
		}
	}
}

// selectWorker maps a sticky hash onto the pool
func (s *Supervisor) selectWorker(hash uint64) (sticky.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.cfg.NumWorkers
	if n <= 0 {
		return sticky.Target{}, false
	}
	slot := int(hash%uint64(n)) + 1
	for _, rec := range s.records {
		if rec.WorkerID == slot && !rec.Killed && rec.stickyConn != nil {
			return sticky.Target{WorkerID: slot, Conn: rec.stickyConn}, true
		}
	}
	return sticky.Target{}, false
}

func statusJSON(status []byte) []byte {
	if len(status) == 0 {
		return []byte("null")
	}
	return status
}
