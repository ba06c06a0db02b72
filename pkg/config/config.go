package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied during normalization
const (
	DefaultHeartbeatTimeoutMS = 7500
	DefaultHeapLimitMB        = 1500
	DefaultLimiterIntervalMS  = 5000
	DefaultMetricsAddr        = ":9000"
)

// ConfigError wraps a configuration read/parse/normalize failure. The master
// never partial-starts on one of these; it logs and exits 1.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("config %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ServiceDescriptor describes one user service module to load in each worker
type ServiceDescriptor struct {
	Name        string         `yaml:"name" json:"name"`
	Module      string         `yaml:"module" json:"module"`
	Entrypoint  string         `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	AppBasePath string         `yaml:"app_base_path,omitempty" json:"app_base_path,omitempty"`
	Conf        map[string]any `yaml:"conf,omitempty" json:"conf,omitempty"`
}

// PackageInfo identifies the embedding application
type PackageInfo struct {
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// StickyConfig controls the optional sticky dispatcher. Disabled by default.
type StickyConfig struct {
	Enabled bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Listen  []string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// Config is the effective configuration consumed by master and workers
type Config struct {
	// NumWorkersRaw accepts an integer or an expression over ncpu
	// ("ncpu", "ncpu - 1", "2 * ncpu"). NumWorkers holds the resolved value.
	NumWorkersRaw          any                 `yaml:"num_workers" json:"num_workers"`
	NumWorkers             int                 `yaml:"-" json:"-"`
	WorkerHeartbeatTimeout int                 `yaml:"worker_heartbeat_timeout,omitempty" json:"worker_heartbeat_timeout,omitempty"` // milliseconds
	WorkerHeapLimitMB      int                 `yaml:"worker_heap_limit_mb,omitempty" json:"worker_heap_limit_mb,omitempty"`
	AppBasePath            string              `yaml:"app_base_path,omitempty" json:"app_base_path,omitempty"`
	Logging                map[string]any      `yaml:"logging,omitempty" json:"logging,omitempty"`
	Metrics                map[string]any      `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	RateLimiter            map[string]any      `yaml:"ratelimiter,omitempty" json:"ratelimiter,omitempty"`
	Services               []ServiceDescriptor `yaml:"services" json:"services"`
	Package                PackageInfo         `yaml:"package,omitempty" json:"package,omitempty"`
	Sticky                 StickyConfig        `yaml:"sticky,omitempty" json:"sticky,omitempty"`
}

// Load reads and resolves a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		var ce *ConfigError
		if ok := asConfigError(err, &ce); ok {
			ce.Source = path
			return nil, ce
		}
		return nil, &ConfigError{Source: path, Err: err}
	}
	return cfg, nil
}

// Parse resolves a serialized configuration document: environment-variable
// interpolation, YAML decoding, defaulting, and num_workers resolution.
func Parse(data []byte) (*Config, error) {
	interpolated := InterpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("malformed document: %w", err)}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap resolves a pre-parsed configuration object. It round-trips through
// YAML so that defaulting and num_workers resolution share a single path.
func FromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return Parse(data)
}

// envPattern matches {env(NAME)} and {env(NAME, DEFAULT)}
var envPattern = regexp.MustCompile(`\{env\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:,\s*([^)]*?)\s*)?\)\}`)

// InterpolateEnv replaces every {env(NAME, DEFAULT)} occurrence with the
// value of NAME, or DEFAULT if unset, or the empty string if neither exists.
func InterpolateEnv(doc string) string {
	return envPattern.ReplaceAllStringFunc(doc, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}

func (c *Config) normalize() error {
	if c.Logging == nil {
		c.Logging = map[string]any{}
	}
	if c.Metrics == nil {
		c.Metrics = map[string]any{}
	}
	if c.RateLimiter == nil {
		c.RateLimiter = map[string]any{}
	}
	if c.WorkerHeartbeatTimeout <= 0 {
		c.WorkerHeartbeatTimeout = DefaultHeartbeatTimeoutMS
	}
	if c.WorkerHeapLimitMB <= 0 {
		c.WorkerHeapLimitMB = DefaultHeapLimitMB
	}

	if base := os.Getenv("APP_BASE_PATH"); base != "" {
		c.AppBasePath = base
	}

	n, err := resolveWorkerCount(c.NumWorkersRaw, runtime.NumCPU())
	if err != nil {
		return &ConfigError{Err: err}
	}
	c.NumWorkers = n

	if len(c.Services) == 0 {
		return &ConfigError{Err: fmt.Errorf("services must not be empty")}
	}
	for i, svc := range c.Services {
		if svc.Module == "" {
			return &ConfigError{Err: fmt.Errorf("services[%d] (%s): module is required", i, svc.Name)}
		}
	}

	if c.Sticky.Enabled && len(c.Sticky.Listen) == 0 {
		return &ConfigError{Err: fmt.Errorf("sticky.listen must not be empty when sticky is enabled")}
	}

	return nil
}

// resolveWorkerCount turns the raw num_workers value into a non-negative
// integer. Non-negative integers are used as-is and a negative integer is an
// error; strings are evaluated against the ncpu expression grammar (a
// negative result clamps to 0); anything else falls back to the host CPU
// count.
func resolveWorkerCount(raw any, ncpu int) (int, error) {
	switch v := raw.(type) {
	case nil:
		return ncpu, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("num_workers must be non-negative, got %d", v)
		}
		return v, nil
	case string:
		n, err := EvalWorkerExpr(v, ncpu)
		if err != nil {
			// Not a recognized expression; fall back to the CPU count.
			return ncpu, nil
		}
		if n < 0 {
			n = 0
		}
		return n, nil
	default:
		return ncpu, nil
	}
}

// HeartbeatTimeout returns the heartbeat timeout as a duration
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.WorkerHeartbeatTimeout) * time.Millisecond
}

// HeapLimitBytes returns the per-worker heap ceiling in bytes
func (c *Config) HeapLimitBytes() uint64 {
	return uint64(c.WorkerHeapLimitMB) * 1024 * 1024
}

// LogLevel reads logging.level, defaulting to "info"
func (c *Config) LogLevel() string {
	if v, ok := c.Logging["level"].(string); ok && v != "" {
		return v
	}
	return "info"
}

// LogJSON reads logging.json, defaulting to false
func (c *Config) LogJSON() bool {
	v, _ := c.Logging["json"].(bool)
	return v
}

// MetricsAddr reads metrics.addr, defaulting to ":9000"
func (c *Config) MetricsAddr() string {
	if v, ok := c.Metrics["addr"].(string); ok && v != "" {
		return v
	}
	return DefaultMetricsAddr
}

// LimiterInterval reads ratelimiter.interval (milliseconds), default 5000
func (c *Config) LimiterInterval() time.Duration {
	switch v := c.RateLimiter["interval"].(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return DefaultLimiterIntervalMS * time.Millisecond
}

// Marshal serializes the resolved configuration for distribution to workers
func (c *Config) Marshal() ([]byte, error) {
	// Ship the resolved worker count so workers skip re-evaluation.
	clone := *c
	clone.NumWorkersRaw = c.NumWorkers
	return yaml.Marshal(&clone)
}

func asConfigError(err error, target **ConfigError) bool {
	for err != nil {
		if ce, ok := err.(*ConfigError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// String returns a short description for startup logging
func (c *Config) String() string {
	var b strings.Builder
	if c.Package.Name != "" {
		fmt.Fprintf(&b, "%s", c.Package.Name)
		if c.Package.Version != "" {
			fmt.Fprintf(&b, "@%s", c.Package.Version)
		}
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%d worker(s), %d service(s)", c.NumWorkers, len(c.Services))
	return b.String()
}
