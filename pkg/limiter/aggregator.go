package limiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/metrics"
)

// BroadcastFunc fans a changed block set out to every live worker.
// Broadcasts are best-effort; a worker missing one keeps its prior set.
type BroadcastFunc func(blocks map[string]int64)

// keyState tracks one key in the global limiter. The token bucket is sized
// by the lowest limit any worker recorded for the key.
type keyState struct {
	bucket   *rate.Limiter
	limit    int64
	total    int64
	blocked  bool
	lastSeen time.Time
}

// Aggregator is the master side of the rate limiter: it merges counter
// snapshots from workers into per-key token buckets and broadcasts block
// decisions back to the pool.
type Aggregator struct {
	mu        sync.Mutex
	keys      map[string]*keyState
	interval  time.Duration
	broadcast BroadcastFunc
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewAggregator creates the master-side aggregator. interval is the worker
// drain period; buckets refill one limit's worth of tokens per interval.
func NewAggregator(interval time.Duration, broadcast BroadcastFunc) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		keys:      make(map[string]*keyState),
		interval:  interval,
		broadcast: broadcast,
		logger:    log.WithComponent("ratelimiter"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the stale-key janitor
func (a *Aggregator) Start() {
	go a.janitor()
}

// Stop stops the janitor
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// HandleCounters merges one worker's drained counter snapshot. Reports from
// a single worker arrive on its reader goroutine, so per-worker ordering is
// preserved by construction.
func (a *Aggregator) HandleCounters(counters map[string]*Counter) {
	metrics.RateLimitReports.Inc()

	changed := false
	now := time.Now()

	a.mu.Lock()
	for key, counter := range counters {
		if counter == nil || counter.Value <= 0 {
			continue
		}

		minLimit := minOf(counter.Limits)
		if minLimit <= 0 {
			continue
		}

		st, ok := a.keys[key]
		if !ok {
			st = &keyState{
				bucket: rate.NewLimiter(a.refillRate(minLimit), int(minLimit)),
				limit:  minLimit,
			}
			a.keys[key] = st
		} else if st.limit != minLimit {
			st.limit = minLimit
			st.bucket.SetLimit(a.refillRate(minLimit))
			st.bucket.SetBurst(int(minLimit))
		}
		st.lastSeen = now
		st.total += counter.Value

		above := !st.bucket.AllowN(now, int(counter.Value))
		if above != st.blocked {
			st.blocked = above
			changed = true
		} else if above {
			// Still blocked but the observed total moved; workers compare
			// the broadcast value against their own limits.
			changed = true
		}
	}
	blocks := a.blocksLocked()
	a.mu.Unlock()

	if changed {
		metrics.RateLimitBlockedKeys.Set(float64(len(blocks)))
		if a.broadcast != nil {
			a.broadcast(blocks)
		}
	}
}

// Blocks returns the current block set
func (a *Aggregator) Blocks() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocksLocked()
}

func (a *Aggregator) blocksLocked() map[string]int64 {
	blocks := make(map[string]int64)
	for key, st := range a.keys {
		if st.blocked {
			blocks[key] = st.total
		}
	}
	return blocks
}

// refillRate sizes a bucket so one limit's worth of tokens refills per
// drain interval.
func (a *Aggregator) refillRate(limit int64) rate.Limit {
	return rate.Limit(float64(limit) / a.interval.Seconds())
}

// janitor drops keys that stopped reporting; an unblocked idle key would
// otherwise pin its bucket forever.
func (a *Aggregator) janitor() {
	ticker := time.NewTicker(a.interval * 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.prune()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Aggregator) prune() {
	cutoff := time.Now().Add(-a.interval * 10)
	changed := false

	a.mu.Lock()
	for key, st := range a.keys {
		if st.lastSeen.Before(cutoff) {
			if st.blocked {
				changed = true
			}
			delete(a.keys, key)
		}
	}
	blocks := a.blocksLocked()
	a.mu.Unlock()

	if changed {
		metrics.RateLimitBlockedKeys.Set(float64(len(blocks)))
		if a.broadcast != nil {
			a.broadcast(blocks)
		}
	}
}

// Standalone couples a Client to a local Aggregator for the degenerate
// single-process mode: drained counters feed the aggregator directly and
// block decisions loop straight back.
type Standalone struct {
	*Client
	agg *Aggregator
}

// NewStandalone builds the in-process limiter pair
func NewStandalone(interval time.Duration) *Standalone {
	s := &Standalone{}
	s.agg = NewAggregator(interval, func(blocks map[string]int64) {
		s.Client.SetBlocks(blocks)
	})
	s.Client = NewClient(interval, func(counters map[string]*Counter) error {
		s.agg.HandleCounters(counters)
		return nil
	})
	return s
}

// Start starts both halves
func (s *Standalone) Start() {
	s.agg.Start()
	s.Client.Start()
}

// Stop stops both halves
func (s *Standalone) Stop() {
	s.Client.Stop()
	s.agg.Stop()
}

func minOf(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
