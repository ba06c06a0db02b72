package master

import (
	"context"
	"time"

	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/worker"
)

// startSingle runs the degenerate num_workers == 0 mode: the worker runtime
// executes in the master's own process over an in-memory channel pair, and
// there is no fork, no heartbeat monitor, and no aggregator master role.
func (s *Supervisor) startSingle(ctx context.Context) error {
	masterSide, workerSide := ipc.Pipe()
	s.singleConn = masterSide
	s.singleDone = make(chan error, 1)

	go func() {
		s.singleDone <- worker.Run(ctx, workerSide, 0, false, nil)
	}()

	startupCh := make(chan struct{})
	go s.drainSingle(startupCh)

	data, err := s.cfg.Marshal()
	if err != nil {
		return err
	}
	if err := masterSide.Send(ipc.KindConfig, &ipc.ConfigPayload{Config: data}); err != nil {
		return err
	}

	select {
	case <-startupCh:
	case err := <-s.singleDone:
		s.singleDone <- err
		return err
	}

	s.logger.Info().Msg("Running in single-process mode")
	return nil
}

// drainSingle consumes the in-process runtime's frames; only
// startup_finished matters, the rest is diagnostics.
func (s *Supervisor) drainSingle(startupCh chan struct{}) {
	started := false
	for {
		msg, err := s.singleConn.Receive()
		if err != nil {
			return
		}
		switch msg.Kind {
		case ipc.KindStartupFinished:
			if !started {
				started = true
				close(startupCh)
			}
		default:
			s.logger.Debug().Str("kind", msg.Kind).Msg("Frame from in-process runtime")
		}
	}
}

// stopSingle drains the in-process worker runtime
func (s *Supervisor) stopSingle() {
	if s.singleConn == nil {
		return
	}
	if err := s.singleConn.Send(ipc.KindShutdown, nil); err != nil {
		s.logger.Debug().Err(err).Msg("Shutdown frame failed")
	}

	select {
	case <-s.singleDone:
	case <-time.After(killGrace):
		s.logger.Warn().Msg("Single-process drain timed out")
	}
}
