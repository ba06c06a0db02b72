/*
Package service loads and runs user service modules inside a worker.

Go links statically, so "loading a module by name" means resolving the
name against a registry that embedders populate from init functions:

	func init() {
		service.Register("simple_server", newSimpleServer)
	}

Resolution tries the locator as given, then joined to the application
base path, then to the base path's modules directory; the first hit wins.
A module may expose several entrypoints; the service descriptor's
entrypoint field selects one, defaulting to the module itself.

The Host starts every configured service, awaiting all factories in
parallel. Each factory receives an Options value carrying the service
conf (with worker_id injected), a named child logger, the metrics
registerer, and the worker's rate limiter. Returned values that expose a
close capability are retained and drained in start order on stop; the
full set of return values, reduced to a JSON-serializable summary, is the
worker's startup result.

The package ships simple_server, the reference service used by the
supervisor's end-to-end scenarios.
*/
package service
