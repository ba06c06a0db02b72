/*
Package heapwatch watches a worker's memory against a configured ceiling.

Every 60 s it samples the resident set (gopsutil), total heap, and used
heap (runtime.ReadMemStats), publishes the three gauges, and advances a
contiguous fail counter: over the ceiling increments it, a single good
tick resets it. Up to three contiguous bad ticks log at warn; the fourth
escalates. In clustered mode escalation requests a graceful disconnect
after 1 s and forces the process out 60 s later; outside a worker process
it only logs.

GC pause durations are reported on a separate 1 s cadence from
debug.GCStats; seconds with no fresh pauses are the normal case.
*/
package heapwatch
