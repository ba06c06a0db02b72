// Package metrics provides Prometheus instrumentation and health endpoints
// for wren. Workers expose a dedicated registry of worker_id-labeled series
// on loopback ports; the master's Federator merges those scrapes with its
// own registry so one port serves the whole pool.
package metrics
