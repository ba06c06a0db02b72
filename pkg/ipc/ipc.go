package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Message kinds exchanged between master and worker
const (
	// master -> worker
	KindConfig            = "config"
	KindRateLimiterBlocks = "ratelimiter_blocks"
	KindShutdown          = "shutdown"
	KindStickyBalance     = "sticky:balance"

	// worker -> master
	KindStartupFinished     = "startup_finished"
	KindHeartbeat           = "heartbeat"
	KindServiceStatus       = "service_status"
	KindRateLimiterCounters = "ratelimiter_counters"
)

// Message is one frame on the parent-child channel
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConfigPayload carries the serialized effective configuration
type ConfigPayload struct {
	Config []byte `json:"config"`
}

// StartupPayload is the worker's startup_finished report
type StartupPayload struct {
	WorkerID    int    `json:"worker_id"`
	PID         int    `json:"pid"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
	Services    []any  `json:"services"`
}

// Conn is a message channel over a reader/writer pair. Frames are
// newline-delimited JSON; per-direction ordering follows pipe semantics.
// Send is safe for concurrent use.
type Conn struct {
	mu  sync.Mutex
	bw  *bufio.Writer
	dec *json.Decoder

	closeOnce sync.Once
	closers   []io.Closer
}

// NewConn builds a Conn reading frames from r and writing frames to w.
// Any of r, w that implement io.Closer are closed by Close.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		bw:  bufio.NewWriter(w),
		dec: json.NewDecoder(r),
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	return c
}

// Pipe returns two connected in-process Conns, used in single-process mode
// and in tests. Frames written on one side are received on the other. Each
// direction is an OS pipe, so, as on a forked worker's channel, a send
// completes without waiting for the peer to read unless the pipe is full.
func Pipe() (*Conn, *Conn) {
	ar, aw, err := os.Pipe()
	if err != nil {
		panic(fmt.Sprintf("ipc: pipe: %v", err))
	}
	br, bw, err := os.Pipe()
	if err != nil {
		panic(fmt.Sprintf("ipc: pipe: %v", err))
	}
	return NewConn(ar, bw), NewConn(br, aw)
}

// Send marshals payload and writes one frame. A nil payload sends a bare
// kind. Errors surface to the caller; writing to a dead peer is the caller's
// swallow-or-propagate decision.
func (c *Conn) Send(kind string, payload any) error {
	msg := Message{Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ipc: marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}

	frame, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s frame: %w", kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.bw.Write(frame); err != nil {
		return fmt.Errorf("ipc: write %s frame: %w", kind, err)
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("ipc: write %s frame: %w", kind, err)
	}
	return c.bw.Flush()
}

// Receive blocks for the next frame. Returns io.EOF when the peer is gone.
func (c *Conn) Receive() (*Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: decode frame: %w", err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("ipc: frame without kind")
	}
	return &msg, nil
}

// ReceiveTimeout waits up to d for the next frame. The zero-config startup
// gate in the worker runtime is the only caller that needs a deadline; pipes
// have no native one, so the read runs in a goroutine that outlives a miss.
func (c *Conn) ReceiveTimeout(d time.Duration) (*Message, error) {
	type result struct {
		msg *Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Receive()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(d):
		return nil, fmt.Errorf("ipc: no frame within %v", d)
	}
}

// Decode unmarshals a message payload into v
func Decode(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("ipc: %s frame has no payload", msg.Kind)
	}
	return json.Unmarshal(msg.Payload, v)
}

// Close closes the underlying reader/writer where possible
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for _, cl := range c.closers {
			if e := cl.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
