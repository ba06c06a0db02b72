// Package events distributes supervisor lifecycle events (worker forked,
// exited, killed, reload, shutdown) to in-process subscribers over buffered
// channels. Slow subscribers are skipped, never waited on.
package events
