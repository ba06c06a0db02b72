package limiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/wren/pkg/log"
)

// RateLimiter is the check surface handed to services
type RateLimiter interface {
	// Observe adds incr to the local counter for key, records limit in the
	// key's limit set, and reports whether the key is globally blocked
	// above limit.
	Observe(key string, limit int64, incr int64) bool

	// Peek reports whether key is blocked above limit without counting
	Peek(key string, limit int64) bool
}

// Counter is the per-key counter accumulated between drains
type Counter struct {
	Value       int64     `json:"value"`
	Limits      []int64   `json:"limits"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// DefaultInterval is the drain period when the configuration has none
const DefaultInterval = 5000 * time.Millisecond

// SendFunc ships a drained counter snapshot to the master. Transport errors
// are swallowed by the client; the next interval retries with fresh counters.
type SendFunc func(map[string]*Counter) error

// Client is the worker-side rate limiter: local counters, cached blocks,
// and a periodic drain to the master.
type Client struct {
	mu       sync.Mutex
	counters map[string]*Counter
	blocks   map[string]int64

	interval time.Duration
	send     SendFunc
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient creates a worker-side limiter draining every interval via send
func NewClient(interval time.Duration, send SendFunc) *Client {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Client{
		counters: make(map[string]*Counter),
		blocks:   make(map[string]int64),
		interval: interval,
		send:     send,
		logger:   log.WithComponent("ratelimiter"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic drain loop
func (c *Client) Start() {
	go c.run()
}

// Stop stops the drain loop
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Client) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Drain()
		case <-c.stopCh:
			return
		}
	}
}

// Observe implements RateLimiter
func (c *Client) Observe(key string, limit int64, incr int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	counter, ok := c.counters[key]
	if !ok {
		counter = &Counter{FirstSeenAt: time.Now()}
		c.counters[key] = counter
	}
	counter.Value += incr
	if !containsLimit(counter.Limits, limit) {
		counter.Limits = append(counter.Limits, limit)
	}

	return c.blocks[key] > limit
}

// Peek implements RateLimiter
func (c *Client) Peek(key string, limit int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[key] > limit
}

// SetBlocks replaces the cached block set wholesale with a master broadcast
func (c *Client) SetBlocks(blocks map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blocks == nil {
		blocks = make(map[string]int64)
	}
	c.blocks = blocks
}

// Drain atomically swaps out the counter map and ships it to the master.
// An empty map is not shipped.
func (c *Client) Drain() {
	c.mu.Lock()
	snapshot := c.counters
	c.counters = make(map[string]*Counter)
	c.mu.Unlock()

	if len(snapshot) == 0 || c.send == nil {
		return
	}

	if err := c.send(snapshot); err != nil {
		// Transport errors are non-fatal; the next interval retries.
		c.logger.Debug().Err(err).Int("keys", len(snapshot)).Msg("Failed to ship counters")
	}
}

func containsLimit(limits []int64, limit int64) bool {
	for _, l := range limits {
		if l == limit {
			return true
		}
	}
	return false
}
