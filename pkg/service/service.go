package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/wren/pkg/limiter"
)

// ErrModuleNotFound is returned when no registered module matches a service
// descriptor after all resolution candidates are tried.
var ErrModuleNotFound = errors.New("service module not found")

// DefaultEntrypoint selects a module's default factory
const DefaultEntrypoint = ""

// Factory builds one service instance. The returned value is collected into
// the worker's startup summary; values implementing Closer (or io.Closer)
// are retained and drained on stop.
type Factory func(ctx context.Context, opts Options) (any, error)

// Module is a named set of factories keyed by entrypoint
type Module map[string]Factory

// Closer is the stop capability a service return value may expose
type Closer interface {
	Close(ctx context.Context) error
}

// Options is the context handed to a service factory
type Options struct {
	Name        string
	AppBasePath string

	// Config is the descriptor's conf with worker_id injected
	Config map[string]any

	Logger      zerolog.Logger
	Metrics     prometheus.Registerer
	RateLimiter limiter.RateLimiter

	// Connections delivers sticky-dispatched sockets; nil unless the
	// sticky dispatcher is enabled.
	Connections <-chan net.Conn
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Module)
)

// RegisterModule registers a module under a locator name. Embedders call
// this from init; re-registration replaces the previous module.
func RegisterModule(name string, module Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = module
}

// Register registers a single factory as a module's default entrypoint
func Register(name string, factory Factory) {
	RegisterModule(name, Module{DefaultEntrypoint: factory})
}

// Resolve looks a module up the way the worker does: the locator as given,
// then joined to the application base path, then to its modules directory.
func Resolve(locator, appBasePath string) (Module, string, error) {
	candidates := []string{locator}
	if appBasePath != "" {
		candidates = append(candidates,
			path.Join(appBasePath, locator),
			path.Join(appBasePath, "modules", locator),
		)
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, candidate := range candidates {
		if module, ok := registry[candidate]; ok {
			return module, candidate, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s (tried %v)", ErrModuleNotFound, locator, candidates)
}
