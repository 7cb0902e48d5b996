// Package config loads the immutable configuration snapshot from a
// JSON-with-comments file, with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration. It is loaded once at startup
// and treated as immutable afterwards; a restart picks up changes.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Auth       AuthConfig        `yaml:"auth"`
	Providers  []ProviderEntry   `yaml:"providers"`
	Keys       KeyPoolConfig     `yaml:"keys"`
	Pool       PoolConfig        `yaml:"pool"`
	Cache      CacheConfig       `yaml:"cache"`
	RateLimits RateLimitConfig   `yaml:"rate_limits"`
	Breaker    BreakerConfig     `yaml:"circuit_breaker"`
	Router     RouterConfig      `yaml:"router"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // per-request deadline
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the metric store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	Scheme        string   `yaml:"scheme"` // "static", "jwt", "none"
	StaticKeys    []string `yaml:"static_keys"`
	JWTSecret     string   `yaml:"jwt_secret"`
	AllowLoopback bool     `yaml:"allow_loopback"` // loopback callers skip auth
}

// ProviderEntry configures one upstream provider origin.
type ProviderEntry struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"` // scheme+host+port+base path
	Transformer string        `yaml:"transformer"`
	Sequential  bool          `yaml:"sequential"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryBudget int           `yaml:"retry_budget"` // retries per window, 0 = default
	InsecureTLS bool          `yaml:"insecure_tls"`
	Auth        ProviderAuth  `yaml:"auth"`
}

// ProviderAuth configures outbound origin authentication.
type ProviderAuth struct {
	Type   string `yaml:"type"`   // "api_key" (default), "gcp_oauth"
	Header string `yaml:"header"` // header carrying the key, default "x-api-key"
}

// KeyPoolConfig holds the API keys and the selection strategy.
type KeyPoolConfig struct {
	Strategy string     `yaml:"strategy"` // round-robin, weighted-round-robin, least-used, priority
	Keys     []KeyEntry `yaml:"keys"`
}

// KeyEntry is one upstream API key.
type KeyEntry struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	Secret        string `yaml:"secret"`
	Weight        int    `yaml:"weight"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Priority      int    `yaml:"priority"` // for the priority strategy, lower wins
}

// PoolConfig holds outbound connection pool limits.
type PoolConfig struct {
	MaxPerOrigin      int           `yaml:"max_per_origin"`
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
	MaxRequestsPerConn int64        `yaml:"max_requests_per_conn"`
	MaxLifetime       time.Duration `yaml:"max_lifetime"`
	FreeSocketTimeout time.Duration `yaml:"free_socket_timeout"`
	AffinityIdle      time.Duration `yaml:"affinity_idle"`
	MaxAffineSessions int           `yaml:"max_affine_sessions"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig holds response cache policy.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxEntries          int           `yaml:"max_entries"`
	MaxBytes            int64         `yaml:"max_bytes"`
	TTL                 time.Duration `yaml:"ttl"`
	TTLVariancePct      int           `yaml:"ttl_variance_pct"`
	TempCeiling         float64       `yaml:"temp_ceiling"`
	IncludeFields       []string      `yaml:"include_fields"`
	ExcludeFields       []string      `yaml:"exclude_fields"`
	Coalesce            *bool         `yaml:"coalesce"`
	SimilarityEnabled   bool          `yaml:"similarity_enabled"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	L2                  L2Config      `yaml:"l2"`
}

// L2Config selects the optional durable cache tier.
type L2Config struct {
	Type     string `yaml:"type"` // "", "redis", "disk"
	RedisURL string `yaml:"redis_url"`
	Dir      string `yaml:"dir"`
}

// CoalesceEnabled reports whether single-flight coalescing is on (default true).
func (c CacheConfig) CoalesceEnabled() bool {
	return c.Coalesce == nil || *c.Coalesce
}

// RateLimitConfig holds the per-scope bucket definitions. A zero capacity
// disables that scope.
type RateLimitConfig struct {
	Global     ScopeLimit `yaml:"global"`
	PerProvider ScopeLimit `yaml:"per_provider"`
	PerKey     ScopeLimit `yaml:"per_key"`
	PerSession ScopeLimit `yaml:"per_session"`
}

// ScopeLimit is a token bucket plus an optional sliding window.
type ScopeLimit struct {
	Capacity         int64   `yaml:"capacity"`
	RefillPerSecond  float64 `yaml:"refill_per_second"`
	WindowSeconds    int     `yaml:"window_seconds"`
	MaxInWindow      int     `yaml:"max_in_window"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	FailureRatioThreshold float64       `yaml:"failure_ratio_threshold"`
	WindowSize            int           `yaml:"window_size"` // rolling outcome count
	OpenDuration          time.Duration `yaml:"open_duration"`
	MaxOpenDuration       time.Duration `yaml:"max_open_duration"`
	HalfOpenProbeCount    int           `yaml:"half_open_probe_count"`
}

// RouterConfig maps logical requests onto provider/model targets. Targets
// use the "provider,model" form.
type RouterConfig struct {
	Default              string `yaml:"default"`
	Background           string `yaml:"background"`
	LongContext          string `yaml:"long_context"`
	Reasoning            string `yaml:"reasoning"`
	WebSearch            string `yaml:"web_search"`
	Image                string `yaml:"image"`
	Subagent             string `yaml:"subagent"`
	LongContextThreshold int    `yaml:"long_context_threshold"` // prompt tokens
}

// MetricsConfig controls collection and persistence.
type MetricsConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Prometheus bool          `yaml:"prometheus"`
	Tracing    TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Provider returns the entry for name, or nil.
func (c *Config) Provider(name string) *ProviderEntry {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv replaces $VAR and ${VAR} with environment values. Unset
// variables are left verbatim so misconfiguration is visible in parse errors.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[1:])
		if match[1] == '{' {
			name = string(match[2 : len(match)-1])
		}
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// stripComments removes // line comments and /* */ block comments outside of
// string literals, leaving a plain JSON document.
func stripComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inStr, inLine, inBlock := false, false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out = append(out, c)
			}
		case inBlock:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				inBlock = false
				i++
			}
		case inStr:
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				out = append(out, data[i+1])
				i++
			} else if c == '"' {
				inStr = false
			}
		default:
			switch {
			case c == '"':
				inStr = true
				out = append(out, c)
			case c == '/' && i+1 < len(data) && data[i+1] == '/':
				inLine = true
				i++
			case c == '/' && i+1 < len(data) && data[i+1] == '*':
				inBlock = true
				i++
			default:
				out = append(out, c)
			}
		}
	}
	return out
}

// Load reads and parses a config file, stripping comments and expanding
// environment variables. JSON is parsed through the YAML reader (JSON is a
// YAML subset), so duration strings like "30s" work in either syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw config bytes. Exposed for tests.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(stripComments(data))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults; Parse overlays the file
// on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8484",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			RequestTimeout:  120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "prism.db"},
		Auth:     AuthConfig{Scheme: "none", AllowLoopback: true},
		Pool: PoolConfig{
			MaxPerOrigin:       32,
			WaitTimeout:        5 * time.Second,
			MaxRequestsPerConn: 1000,
			MaxLifetime:        10 * time.Minute,
			FreeSocketTimeout:  90 * time.Second,
			AffinityIdle:       60 * time.Second,
			MaxAffineSessions:  1024,
			ShutdownGrace:      15 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:             true,
			MaxEntries:          10_000,
			MaxBytes:            256 << 20,
			TTL:                 10 * time.Minute,
			TTLVariancePct:      10,
			TempCeiling:         0.7,
			SimilarityThreshold: 0.92,
		},
		Breaker: BreakerConfig{
			FailureThreshold:      5,
			FailureRatioThreshold: 0.5,
			WindowSize:            20,
			OpenDuration:          30 * time.Second,
			MaxOpenDuration:       5 * time.Minute,
			HalfOpenProbeCount:    1,
		},
		Metrics: MetricsConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			RetentionDays: 90,
		},
	}
}

func (c *Config) validate() error {
	switch c.Auth.Scheme {
	case "", "none", "static", "jwt":
	default:
		return fmt.Errorf("auth scheme %q is not supported", c.Auth.Scheme)
	}
	if c.Auth.Scheme == "static" && len(c.Auth.StaticKeys) == 0 {
		return fmt.Errorf("auth scheme static requires static_keys")
	}
	if c.Auth.Scheme == "jwt" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth scheme jwt requires jwt_secret")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("provider entries need name and base_url")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, k := range c.Keys.Keys {
		if k.Provider == "" || k.Secret == "" {
			return fmt.Errorf("key entries need provider and secret")
		}
	}
	return nil
}
