/*
Package master implements the supervisor: the master-process side of the
wren process model.

The supervisor owns the worker pool on one host. It forks workers one at a
time, distributes the resolved configuration, watches heartbeats, restarts
workers that die or hang, performs rolling restarts on a reload signal,
fans rate-limit block decisions out to the pool, and drains everything on
shutdown.

# Architecture

	┌─────────────────────────── MASTER ───────────────────────────┐
	│                                                               │
	│  ┌────────────┐   fork + config    ┌──────────────────────┐  │
	│  │ Supervisor │ ──────────────────▶│ worker 1 (pid 4021)  │  │
	│  │            │ ◀──────────────────│ worker 2 (pid 4022)  │  │
	│  │  records   │  heartbeat/status  │ worker N (pid 40xx)  │  │
	│  │  by pid    │                    └──────────────────────┘  │
	│  └─────┬──────┘                                               │
	│        │                                                      │
	│  ┌─────▼──────────┐  ┌───────────────┐  ┌─────────────────┐  │
	│  │ heartbeat      │  │ rate-limit    │  │ sticky          │  │
	│  │ monitor        │  │ aggregator    │  │ dispatcher      │  │
	│  └────────────────┘  └───────────────┘  └─────────────────┘  │
	└───────────────────────────────────────────────────────────────┘

Workers are child processes of the same binary, re-executed with the hidden
worker subcommand. fd 3 in the child reads master frames, fd 4 writes
worker frames; frames are newline-delimited JSON.

# Lifecycle

Startup forks slot by slot and waits for each worker's startup_finished
before forking the next, so a broken first worker is caught before N
children exist. Until any worker has ever started, early exits count
against a three-strike budget; exhausting it terminates the master with
exit code 1.

In steady state the exit listener replaces a dead worker in the same slot
after a uniform random delay in [0, 2s). The heartbeat monitor runs every
timeout/2+1 ms and applies the kill protocol to silent workers: flag the
record, request a graceful disconnect, SIGKILL 60 s later if the process
is still there.

SIGHUP re-resolves the configuration and cycles every slot in insertion
order, waiting for each replacement's startup_finished, which keeps the
pool within one worker of its configured size. SIGINT and SIGTERM drain
all workers in parallel and the master exits 0.

When num_workers is 0 the worker runtime runs inside the master process
over an in-memory channel pair and the fork machinery, heartbeat monitor,
and aggregator master role are skipped.
*/
package master
