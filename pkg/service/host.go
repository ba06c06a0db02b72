package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/limiter"
	"github.com/wrenlabs/wren/pkg/log"
)

// Host loads and owns the lifetime of a worker's service instances
type Host struct {
	cfg      *config.Config
	workerID int
	limiter  limiter.RateLimiter
	conns    <-chan net.Conn
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// NewHost creates a service host for one worker
func NewHost(cfg *config.Config, workerID int, rl limiter.RateLimiter, conns <-chan net.Conn) *Host {
	return &Host{
		cfg:      cfg,
		workerID: workerID,
		limiter:  rl,
		conns:    conns,
		logger:   log.WithComponent("services"),
	}
}

// Start loads every configured service in order and starts them, awaiting
// all factories in parallel. The returned summary is JSON-serializable and
// becomes the worker's startup_finished payload. Start runs at most once.
func (h *Host) Start(ctx context.Context) ([]any, error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil, fmt.Errorf("service host already started")
	}
	h.started = true
	h.mu.Unlock()

	type launch struct {
		desc    config.ServiceDescriptor
		factory Factory
		opts    Options
	}

	launches := make([]launch, 0, len(h.cfg.Services))
	for _, desc := range h.cfg.Services {
		base := desc.AppBasePath
		if base == "" {
			base = h.cfg.AppBasePath
		}

		module, resolved, err := Resolve(desc.Module, base)
		if err != nil {
			return nil, err
		}

		factory, ok := module[desc.Entrypoint]
		if !ok {
			return nil, fmt.Errorf("module %s has no entrypoint %q", resolved, desc.Entrypoint)
		}

		conf := make(map[string]any, len(desc.Conf)+1)
		for k, v := range desc.Conf {
			conf[k] = v
		}
		conf["worker_id"] = h.workerID

		launches = append(launches, launch{
			desc:    desc,
			factory: factory,
			opts: Options{
				Name:        desc.Name,
				AppBasePath: base,
				Config:      conf,
				Logger:      log.WithService(desc.Name),
				Metrics:     prometheus.DefaultRegisterer,
				RateLimiter: h.limiter,
				Connections: h.conns,
			},
		})
	}

	results := make([]any, len(launches))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range launches {
		g.Go(func() error {
			h.logger.Debug().Str("service", l.desc.Name).Msg("Starting service")
			v, err := l.factory(gctx, l.opts)
			if err != nil {
				return fmt.Errorf("service %s: %w", l.desc.Name, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Retain closers in service order for the stop drain.
	h.mu.Lock()
	for i, v := range results {
		if c := asCloser(v); c != nil {
			h.closers = append(h.closers, namedCloser{name: launches[i].desc.Name, close: c})
		}
	}
	h.mu.Unlock()

	return summarize(results), nil
}

// Stop drains retained service closers in start order, awaiting each
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		h.logger.Debug().Str("service", c.name).Msg("Closing service")
		if err := c.close(ctx); err != nil {
			h.logger.Error().Err(err).Str("service", c.name).Msg("Service close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func asCloser(v any) func(ctx context.Context) error {
	switch c := v.(type) {
	case Closer:
		return c.Close
	case io.Closer:
		return func(context.Context) error { return c.Close() }
	default:
		return nil
	}
}

// summarize reduces service return values to something the IPC layer can
// carry: values that do not serialize are replaced with their error string.
func summarize(results []any) []any {
	out := make([]any, len(results))
	for i, v := range results {
		if v == nil {
			out[i] = nil
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			out[i] = err.Error()
			continue
		}
		var round any
		if err := json.Unmarshal(data, &round); err != nil {
			out[i] = err.Error()
			continue
		}
		out[i] = round
	}
	return out
}
