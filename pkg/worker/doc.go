/*
Package worker is the child-process side of the wren process model.

On entry the runtime waits up to 3 s for the config frame and exits
non-zero without one; the master retries the slot. With the configuration
applied it builds logging and metrics, installs SIGTERM (graceful stop)
and SIGUSR2 (heap snapshot plus a 5 s trace-logging burst), starts the
heap watch and the rate-limit client, seeds one heartbeat, runs the
service host, and reports startup_finished with the serializable service
summary. Heartbeats then flow at a third of the heartbeat timeout.

A shutdown frame from the master, loss of the parent channel, or SIGTERM
drains the retained service closers in order and lets the process exit.
*/
package worker
