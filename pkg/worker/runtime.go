package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/heapwatch"
	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/limiter"
	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/metrics"
	"github.com/wrenlabs/wren/pkg/service"
	"github.com/wrenlabs/wren/pkg/sticky"
)

const (
	// configWait bounds how long a fresh worker waits for its config frame
	configWait = 3 * time.Second

	// flushDelay gives the log sink a moment before a fatal exit
	flushDelay = 1 * time.Second

	// traceBurstDuration is the SIGUSR2 verbosity window
	traceBurstDuration = 5 * time.Second

	// stopDrain bounds the service close drain on stop
	stopDrain = 60 * time.Second
)

// ErrStartupTimeout is returned when no config frame arrives in time; the
// master reaps the exit and retries the slot.
var ErrStartupTimeout = errors.New("worker: no config received")

// Runtime is the worker-process side of the supervisor: it applies the
// configuration pushed by the master, runs the service host, emits
// heartbeats, and reacts to shutdown.
type Runtime struct {
	conn      *ipc.Conn
	workerID  int
	clustered bool

	cfg    *config.Config
	host   *service.Host
	rl     rateLimiter
	heap   *heapwatch.HeapWatch
	logger zerolog.Logger

	metricsLn net.Listener
	conns     chan net.Conn

	stopOnce sync.Once
	stopped  chan struct{}
}

type rateLimiter interface {
	limiter.RateLimiter
	Start()
	Stop()
}

// Run executes the worker runtime until stop. conn carries the parent-child
// channel; stickyFile, when non-nil, is the socketpair end receiving
// dispatched connections. clustered is false only in the degenerate
// num_workers == 0 mode, where the runtime shares the master's process.
func Run(ctx context.Context, conn *ipc.Conn, workerID int, clustered bool, stickyFile *os.File) error {
	r := &Runtime{
		conn:      conn,
		workerID:  workerID,
		clustered: clustered,
		stopped:   make(chan struct{}),
	}
	return r.run(ctx, stickyFile)
}

func (r *Runtime) run(ctx context.Context, stickyFile *os.File) error {
	msg, err := r.conn.ReceiveTimeout(configWait)
	if err != nil {
		return fmt.Errorf("%w within %v", ErrStartupTimeout, configWait)
	}
	if msg.Kind != ipc.KindConfig {
		return fmt.Errorf("%w: first frame was %q", ErrStartupTimeout, msg.Kind)
	}

	var payload ipc.ConfigPayload
	if err := ipc.Decode(msg, &payload); err != nil {
		return fmt.Errorf("worker: bad config frame: %w", err)
	}
	cfg, err := config.Parse(payload.Config)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	r.cfg = cfg

	if r.clustered {
		// The master configured logging for the single-process case.
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel()),
			JSONOutput: cfg.LogJSON(),
		})
	}
	r.logger = log.WithWorkerID(r.workerID)

	r.installSignalHandlers()

	if r.clustered {
		if err := r.serveMetrics(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to start metrics listener")
			time.Sleep(flushDelay)
			return err
		}
	}

	r.heap = heapwatch.New(heapwatch.Config{
		WorkerID:          r.workerID,
		LimitBytes:        cfg.HeapLimitBytes(),
		Clustered:         r.clustered,
		RequestDisconnect: r.initiateStop,
	})
	r.heap.Start()

	if r.clustered {
		client := limiter.NewClient(cfg.LimiterInterval(), r.shipCounters)
		r.rl = client

		// Seed the master's heartbeat timestamp before services start.
		if err := r.conn.Send(ipc.KindHeartbeat, nil); err != nil {
			r.logger.Debug().Err(err).Msg("Seed heartbeat failed")
		}
		go r.heartbeatLoop()
	} else {
		r.rl = limiter.NewStandalone(cfg.LimiterInterval())
	}
	r.rl.Start()

	if stickyFile != nil {
		r.conns = make(chan net.Conn, 16)
		go r.receiveSticky(stickyFile)
	}

	r.host = service.NewHost(cfg, r.workerID, r.rl, r.conns)
	summary, err := r.host.Start(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Service startup failed")
		time.Sleep(flushDelay)
		r.teardown()
		return err
	}

	startup := ipc.StartupPayload{
		WorkerID: r.workerID,
		PID:      os.Getpid(),
		Services: summary,
	}
	if r.metricsLn != nil {
		startup.MetricsAddr = r.metricsLn.Addr().String()
	}
	if err := r.conn.Send(ipc.KindStartupFinished, &startup); err != nil {
		r.logger.Debug().Err(err).Msg("startup_finished send failed")
	}
	r.logger.Info().Int("services", len(summary)).Msg("Worker startup finished")

	// The master keeps the last status payload and dumps it if this
	// worker dies.
	r.PublishStatus(map[string]any{
		"state":    "running",
		"services": summary,
	})

	r.messageLoop(ctx)

	<-r.stopped
	return nil
}

// messageLoop dispatches master frames until the channel drains or stop
func (r *Runtime) messageLoop(ctx context.Context) {
	for {
		msg, err := r.conn.Receive()
		if err != nil {
			if err != io.EOF {
				r.logger.Error().Err(err).Msg("Parent channel read failed")
			}
			// Master is gone; a worker never outlives it.
			r.initiateStop()
			return
		}

		switch msg.Kind {
		case ipc.KindRateLimiterBlocks:
			var blocks map[string]int64
			if err := ipc.Decode(msg, &blocks); err != nil {
				r.logger.Error().Err(err).Msg("Bad blocks broadcast")
				continue
			}
			if client, ok := r.rl.(*limiter.Client); ok {
				client.SetBlocks(blocks)
			}
		case ipc.KindShutdown:
			r.logger.Info().Msg("Shutdown requested by master")
			r.initiateStop()
			return
		default:
			r.logger.Error().Str("kind", msg.Kind).Msg("Unhandled message from master")
		}
	}
}

// heartbeatLoop emits heartbeats at a third of the timeout
func (r *Runtime) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatTimeout() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.conn.Send(ipc.KindHeartbeat, nil); err != nil {
				// The exit path owns a dead channel.
				r.logger.Debug().Err(err).Msg("Heartbeat send failed")
			}
		case <-r.stopped:
			return
		}
	}
}

// shipCounters is the limiter client transport
func (r *Runtime) shipCounters(counters map[string]*limiter.Counter) error {
	return r.conn.Send(ipc.KindRateLimiterCounters, counters)
}

// PublishStatus sends an opaque status payload for the master to retain
func (r *Runtime) PublishStatus(status any) {
	if err := r.conn.Send(ipc.KindServiceStatus, status); err != nil {
		r.logger.Debug().Err(err).Msg("Status send failed")
	}
}

// initiateStop begins the graceful stop exactly once
func (r *Runtime) initiateStop() {
	r.stopOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopDrain)
			defer cancel()

			if r.host != nil {
				if err := r.host.Stop(ctx); err != nil {
					r.logger.Error().Err(err).Msg("Service drain failed")
				}
			}
			r.teardown()
			close(r.stopped)
		}()
	})
}

func (r *Runtime) teardown() {
	if r.rl != nil {
		r.rl.Stop()
	}
	if r.heap != nil {
		r.heap.Stop()
	}
	if r.metricsLn != nil {
		r.metricsLn.Close()
	}
}

// installSignalHandlers wires SIGTERM (clustered only; the master owns
// signals in single-process mode) and SIGUSR2.
func (r *Runtime) installSignalHandlers() {
	if r.clustered {
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		go func() {
			<-term
			r.logger.Info().Msg("SIGTERM received")
			r.initiateStop()
		}()
	}

	usr2 := make(chan os.Signal, 1)
	signal.Notify(usr2, syscall.SIGUSR2)
	go func() {
		for range usr2 {
			r.heapSnapshot()
			log.TraceBurst(traceBurstDuration)
		}
	}()
}

// heapSnapshot writes a heap profile into the temp directory, best-effort
func (r *Runtime) heapSnapshot() {
	name := fmt.Sprintf("wren-heap-%d-%d.pprof", os.Getpid(), time.Now().Unix())
	path := filepath.Join(os.TempDir(), name)

	f, err := os.Create(path)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Heap snapshot failed")
		return
	}
	defer f.Close()

	if err := pprof.WriteHeapProfile(f); err != nil {
		r.logger.Warn().Err(err).Msg("Heap snapshot failed")
		return
	}
	r.logger.Info().Str("path", path).Msg("Heap snapshot written")
}

// serveMetrics exposes this worker's registry on a loopback port for the
// master's federating scrape handler.
func (r *Runtime) serveMetrics() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	r.metricsLn = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.WorkerHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	go func() {
		if err := http.Serve(ln, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Debug().Err(err).Msg("Metrics listener stopped")
		}
	}()
	return nil
}

// receiveSticky drains dispatched sockets off the socketpair
func (r *Runtime) receiveSticky(f *os.File) {
	defer close(r.conns)

	uc, err := sticky.FileConn(f)
	if err != nil {
		r.logger.Error().Err(err).Msg("Sticky channel unusable")
		return
	}

	for {
		conn, err := sticky.ReceiveConn(uc)
		if err != nil {
			if err != io.EOF {
				r.logger.Debug().Err(err).Msg("Sticky receive failed")
			}
			return
		}
		select {
		case r.conns <- conn:
		case <-r.stopped:
			conn.Close()
			return
		}
	}
}
