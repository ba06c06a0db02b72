/*
Package limiter implements cross-process rate limiting for the worker pool.

Each worker counts observations locally and drains its counter map to the
master every interval (default 5 s). The master merges the drained
snapshots into per-key token buckets and, whenever a key's block state
changes, broadcasts the full block set back to every live worker. Workers
answer Observe and Peek from their cached block set, so the hot path never
leaves the process.

# Roles

Client (worker side):

	c := limiter.NewClient(interval, send)
	c.Start()
	blocked := c.Observe("login:10.0.0.7", 100, 1)

Observe adds the increment to the key's counter, records the limit in the
key's limit set, and reports whether the last broadcast block value for
the key exceeds the caller's limit. Peek answers the same question without
counting. The drain swaps the counter map wholesale; a transport error is
swallowed and the next interval retries with fresh counters.

Aggregator (master side):

	a := limiter.NewAggregator(interval, broadcast)
	a.Start()
	a.HandleCounters(snapshot)

The effective limit for a key is the minimum of all limits workers
recorded for it; the bucket refills one limit's worth of tokens per
interval (golang.org/x/time/rate). Block values carry the observed running
total, so workers with different limits each compare against their own.

Standalone couples both halves in one process for the degenerate
num_workers == 0 mode.

Ordering: a worker's reports are applied in send order because each
worker's frames arrive on a single reader goroutine. Broadcasts are
best-effort; a worker missing one keeps its prior block set.
*/
package limiter
