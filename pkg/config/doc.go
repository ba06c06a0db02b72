// Package config resolves the effective configuration consumed by master
// and workers: YAML parsing, {env(NAME, DEFAULT)} interpolation, defaults,
// and num_workers resolution against a tiny ncpu expression grammar. Every
// failure surfaces as a *ConfigError; the master never partial-starts.
package config
