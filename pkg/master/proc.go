package master

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/wrenlabs/wren/pkg/events"
	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/limiter"
	"github.com/wrenlabs/wren/pkg/metrics"
	"github.com/wrenlabs/wren/pkg/sticky"
)

// Environment variables handed to worker processes
const (
	EnvWorkerID = "WREN_WORKER_ID"
	EnvSticky   = "WREN_STICKY"
)

// workerProcess is the OS surface of a forked worker; faked in tests
type workerProcess interface {
	Wait() (exitCode int, err error)
	Kill() error
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// spawnWorker forks the given slot: re-executes this binary with the worker
// subcommand, wires the parent-child pipes, and pushes the config frame
// before anything else can reach the child.
func (s *Supervisor) spawnWorker(slot int) (*Record, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cfgData, err := s.currentConfig().Marshal()
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}

	// fd 3 in the child reads master frames; fd 4 writes worker frames.
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fork worker %d: %w", slot, err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("fork worker %d: %w", slot, err)
	}

	cmd := exec.Command(exe, "worker")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), EnvWorkerID+"="+strconv.Itoa(slot))
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}

	var stickyParent *net.UnixConn
	if s.dispatcher != nil {
		parent, childFile, err := sticky.Socketpair()
		if err != nil {
			toChildR.Close()
			toChildW.Close()
			fromChildR.Close()
			fromChildW.Close()
			return nil, err
		}
		stickyParent = parent
		cmd.Env = append(cmd.Env, EnvSticky+"=1")
		cmd.ExtraFiles = append(cmd.ExtraFiles, childFile)
		defer childFile.Close()
	}

	if err := cmd.Start(); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		if stickyParent != nil {
			stickyParent.Close()
		}
		return nil, fmt.Errorf("fork worker %d: %w", slot, err)
	}

	// The child holds its pipe ends now.
	toChildR.Close()
	fromChildW.Close()

	rec := &Record{
		WorkerID: slot,
		PID:      cmd.Process.Pid,
		// Seed the heartbeat clock at fork; a worker that never reports in
		// is killed one timeout later.
		LastHeartbeat: time.Now(),
		proc:          &osProcess{cmd: cmd},
		conn:          ipc.NewConn(fromChildR, toChildW),
		startupTimer:  metrics.NewTimer(),
		startupCh:     make(chan struct{}),
		exitCh:        make(chan struct{}),
	}
	if stickyParent != nil {
		rec.stickyConn = stickyParent
	}

	// Exactly one config frame, before any other traffic.
	if err := rec.conn.Send(ipc.KindConfig, &ipc.ConfigPayload{Config: cfgData}); err != nil {
		// The exit listener reaps whatever this child does next.
		s.logger.Warn().Err(err).Int("worker_id", slot).Msg("Config send failed")
	}

	s.registerRecord(rec)

	go s.readLoop(rec)
	go s.waitExit(rec)

	metrics.WorkersStarted.Inc()
	s.broker.Publish(&events.Event{
		Type:     events.EventWorkerStarted,
		Message:  fmt.Sprintf("worker %d forked (pid %d)", slot, rec.PID),
		Metadata: map[string]string{"worker_id": strconv.Itoa(slot), "pid": strconv.Itoa(rec.PID)},
	})
	s.logger.Info().Int("worker_id", slot).Int("pid", rec.PID).Msg("Worker forked")
	return rec, nil
}

func (s *Supervisor) registerRecord(rec *Record) {
	s.mu.Lock()
	s.records[rec.PID] = rec
	s.order = append(s.order, rec)
	count := len(s.records)
	s.mu.Unlock()

	metrics.ClusterWorkersCount.Set(float64(count))
}

// readLoop drains one worker's channel; per-worker message order follows
// pipe semantics, which keeps counter reports strictly time-ordered.
func (s *Supervisor) readLoop(rec *Record) {
	for {
		msg, err := rec.conn.Receive()
		if err != nil {
			return
		}

		switch msg.Kind {
		case ipc.KindHeartbeat:
			s.mu.Lock()
			if !rec.Killed {
				rec.LastHeartbeat = time.Now()
			}
			s.mu.Unlock()
			metrics.HeartbeatsReceived.WithLabelValues(strconv.Itoa(rec.WorkerID)).Inc()

		case ipc.KindStartupFinished:
			var payload ipc.StartupPayload
			if err := ipc.Decode(msg, &payload); err != nil {
				s.logger.Error().Err(err).Int("worker_id", rec.WorkerID).Msg("Bad startup_finished payload")
				continue
			}
			s.mu.Lock()
			rec.metricsAddr = payload.MetricsAddr
			s.anyStarted = true
			s.mu.Unlock()

			rec.startupOnce.Do(func() {
				rec.startupTimer.ObserveDuration(metrics.WorkerStartupDuration)
				close(rec.startupCh)
			})
			s.broker.Publish(&events.Event{
				Type:     events.EventWorkerStartupOK,
				Message:  fmt.Sprintf("worker %d finished startup", rec.WorkerID),
				Metadata: map[string]string{"worker_id": strconv.Itoa(rec.WorkerID)},
			})
			s.logger.Info().
				Int("worker_id", rec.WorkerID).
				Int("services", len(payload.Services)).
				Msg("Worker startup finished")

		case ipc.KindServiceStatus:
			s.mu.Lock()
			rec.Status = msg.Payload
			s.mu.Unlock()

		case ipc.KindRateLimiterCounters:
			var counters map[string]*limiter.Counter
			if err := ipc.Decode(msg, &counters); err != nil {
				s.logger.Error().Err(err).Int("worker_id", rec.WorkerID).Msg("Bad counters payload")
				continue
			}
			if s.agg != nil {
				s.agg.HandleCounters(counters)
			}

		default:
			s.logger.Error().
				Str("kind", msg.Kind).
				Int("worker_id", rec.WorkerID).
				Msg("Unhandled message from worker")
		}
	}
}

func (s *Supervisor) waitExit(rec *Record) {
	code, _ := rec.proc.Wait()
	s.handleExit(rec, code)
}

// handleExit is the exit listener: it drops the record and, in steady
// state, respawns the slot after a jittered delay. Shutdown, the rolling
// restarter, and the startup sequence own their slots themselves.
func (s *Supervisor) handleExit(rec *Record, code int) {
	s.mu.Lock()
	delete(s.records, rec.PID)
	for i, r := range s.order {
		if r == rec {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if rec.killTimer != nil {
		rec.killTimer.Stop()
	}
	// The kill flag alone does not suppress the respawn: a worker killed by
	// the heartbeat monitor is replaced here. Shutdown, rolling restarts,
	// and the startup sequence own their slots themselves.
	respawn := !s.shuttingDown && !s.inRolling && !s.initializing
	reason := rec.killReason
	if reason == "" {
		reason = "crash"
	}
	count := len(s.records)
	status := rec.Status
	s.mu.Unlock()

	metrics.ClusterWorkersCount.Set(float64(count))
	close(rec.exitCh)

	s.logger.Warn().
		Int("worker_id", rec.WorkerID).
		Int("pid", rec.PID).
		Int("exit_code", code).
		RawJSON("status", statusJSON(status)).
		Msg("Worker exited")
	s.broker.Publish(&events.Event{
		Type:     events.EventWorkerExited,
		Message:  fmt.Sprintf("worker %d exited with code %d", rec.WorkerID, code),
		Metadata: map[string]string{"worker_id": strconv.Itoa(rec.WorkerID), "exit_code": strconv.Itoa(code)},
	})

	if !respawn {
		return
	}

	delay := rand.N(restartDelayMax)
	s.logger.Info().
		Int("worker_id", rec.WorkerID).
		Dur("delay", delay).
		Msg("Respawning worker")
	time.AfterFunc(delay, func() {
		s.respawn(rec.WorkerID, reason)
	})
}

// respawn refills a slot after the jitter delay, re-checking the flags that
// may have flipped while it slept.
func (s *Supervisor) respawn(slot int, reason string) {
	s.mu.Lock()
	blocked := s.shuttingDown || s.inRolling
	occupied := false
	for _, r := range s.records {
		if r.WorkerID == slot {
			occupied = true
			break
		}
	}
	s.mu.Unlock()
	if blocked || occupied {
		return
	}

	rec, err := s.spawn(slot)
	if err != nil {
		s.logger.Error().Err(err).Int("worker_id", slot).Msg("Respawn failed")
		time.AfterFunc(spawnRetryDelay, func() { s.respawn(slot, reason) })
		return
	}

	// The metrics collector derives the restart counter from this event.
	s.broker.Publish(&events.Event{
		Type:     events.EventWorkerRestarted,
		Message:  fmt.Sprintf("worker %d restarted (pid %d)", slot, rec.PID),
		Metadata: map[string]string{"worker_id": strconv.Itoa(slot), "reason": reason},
	})
}

// kill runs the kill protocol: flag the record, request a graceful
// disconnect, SIGKILL after the grace window. Idempotent.
func (s *Supervisor) kill(rec *Record, reason string) {
	s.mu.Lock()
	if rec.Killed {
		s.mu.Unlock()
		return
	}
	rec.Killed = true
	rec.killReason = reason
	rec.LastHeartbeat = time.Time{}
	s.mu.Unlock()

	s.broker.Publish(&events.Event{
		Type:     events.EventWorkerKilled,
		Message:  fmt.Sprintf("worker %d kill requested (%s)", rec.WorkerID, reason),
		Metadata: map[string]string{"worker_id": strconv.Itoa(rec.WorkerID), "reason": reason},
	})

	if err := rec.conn.Send(ipc.KindShutdown, nil); err != nil {
		// A dead channel means the exit listener is already on its way.
		s.logger.Debug().Err(err).Int("worker_id", rec.WorkerID).Msg("Disconnect request failed")
	}

	timer := time.AfterFunc(killGrace, func() {
		select {
		case <-rec.exitCh:
			return
		default:
		}
		s.logger.Warn().Int("worker_id", rec.WorkerID).Msg("Kill grace expired; sending SIGKILL")
		_ = rec.proc.Kill()
	})

	s.mu.Lock()
	rec.killTimer = timer
	s.mu.Unlock()
}
