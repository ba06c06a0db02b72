package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/wrenlabs/wren/pkg/metrics"
)

func init() {
	Register("simple_server", newSimpleServer)
}

// simpleServer is the reference service used by the end-to-end scenarios:
// it answers "ok\n" on every request and counts hits per worker slot.
type simpleServer struct {
	server *http.Server
	Addr   string `json:"addr"`
	Port   int    `json:"port"`
}

func newSimpleServer(ctx context.Context, opts Options) (any, error) {
	port := confInt(opts.Config, "port", 0)
	if port <= 0 {
		return nil, fmt.Errorf("simple_server: conf.port is required")
	}
	workerID := strconv.Itoa(confInt(opts.Config, "worker_id", 0))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		metrics.Hitcount.WithLabelValues(workerID).Inc()
		fmt.Fprint(w, "ok\n")
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("simple_server: %w", err)
	}

	s := &simpleServer{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		Addr:   ln.Addr().String(),
		Port:   port,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error().Err(err).Msg("simple_server stopped serving")
		}
	}()

	// Sticky-dispatched sockets, when enabled, are served off the same mux.
	if opts.Connections != nil {
		go func() {
			for conn := range opts.Connections {
				go serveStickyConn(s.server, conn)
			}
		}()
	}

	opts.Logger.Info().Int("port", port).Msg("simple_server listening")
	return s, nil
}

// Close implements the stop capability
func (s *simpleServer) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// serveStickyConn drives one handed-over socket through the HTTP server
func serveStickyConn(server *http.Server, conn net.Conn) {
	ln := &oneShotListener{conn: conn, done: make(chan struct{})}
	_ = server.Serve(ln)
}

// oneShotListener yields a single pre-accepted connection then blocks until
// closed, which lets http.Server own the connection lifecycle.
type oneShotListener struct {
	conn net.Conn
	done chan struct{}
	used bool
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	if !l.used {
		l.used = true
		return l.conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// confInt reads an integer from a conf map, tolerating the numeric types
// YAML and JSON round-trips produce.
func confInt(conf map[string]any, key string, fallback int) int {
	switch v := conf[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
