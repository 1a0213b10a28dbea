// Package config handles YAML configuration loading with environment variable
// expansion and explicit environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration. It is immutable after Load;
// the only mutable routing state (dynamic weights) lives in the route package.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Budget    BudgetConfig    `yaml:"budget"`
	Cache     CacheConfig     `yaml:"cache"`
	Routing   RoutingConfig   `yaml:"routing"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	Judge     JudgeConfig     `yaml:"judge"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Context   ContextConfig   `yaml:"context"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstreams []UpstreamEntry `yaml:"upstreams"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // overall per-request budget
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Version         string        `yaml:"-"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Required bool   `yaml:"required"`
	APIKey   string `yaml:"api_key"`   // static key accepted alongside stored keys
	AdminKey string `yaml:"admin_key"` // key granting admin endpoints
}

// RateLimitConfig holds sliding-window limiter settings.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int64         `yaml:"max_requests"`
	Precision   time.Duration `yaml:"precision"` // bucket width
}

// BudgetConfig holds token budget manager settings.
type BudgetConfig struct {
	Period        string  `yaml:"period"` // "daily", "weekly", "monthly"
	WarnThreshold float64 `yaml:"warn_threshold"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "remote"
	TTL      time.Duration `yaml:"ttl"`
	MaxSize  int           `yaml:"max_size"`
	RedisURL string        `yaml:"redis_url"`
}

// RoutingConfig controls smart-routing behavior.
type RoutingConfig struct {
	DefaultProvider string  `yaml:"default_provider"`
	AIRoutingRate   float64 `yaml:"ai_routing_rate"` // fraction using heuristic pick vs weighted draw
}

// ShadowConfig controls shadow traffic sampling.
type ShadowConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Rate          float64  `yaml:"rate"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Exclude       []string `yaml:"exclude"`
	QueueSize     int      `yaml:"queue_size"`
}

// JudgeConfig controls the LLM judge.
type JudgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// OptimizerConfig controls the weight optimizer.
type OptimizerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	MinComparisons int           `yaml:"min_comparisons"`
	LearningRate   float64       `yaml:"learning_rate"`
	MinWeight      float64       `yaml:"min_weight"`
	MaxWeight      float64       `yaml:"max_weight"`
	MaxChange      float64       `yaml:"max_change"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	ErrorThresholdPct float64       `yaml:"error_threshold_pct"`
	VolumeThreshold   int           `yaml:"volume_threshold"`
	RollingWindow     time.Duration `yaml:"rolling_window"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
}

// ContextConfig holds the plugin hooks for external context injection.
// The vector memory subsystem itself is out of process; these knobs are
// exposed to the onPrompt plugin slot.
type ContextConfig struct {
	InjectionEnabled   bool    `yaml:"injection_enabled"`
	MaxChunks          int     `yaml:"max_chunks"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// TimeoutEntry holds the three upstream timeout stages.
type TimeoutEntry struct {
	Connect   time.Duration `yaml:"connect"`
	FirstByte time.Duration `yaml:"first_byte"`
	Total     time.Duration `yaml:"total"`
}

// UpstreamEntry is an upstream definition in the config file.
type UpstreamEntry struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"` // "http" or "process"
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	Command        string            `yaml:"command"` // process kind only
	Args           []string          `yaml:"args"`
	DefaultModel   string            `yaml:"default_model"`
	Aliases        map[string]string `yaml:"aliases"`
	Priority       int               `yaml:"priority"` // lower = preferred
	Weight         int               `yaml:"weight"`   // 0..100, all entries sum to 100
	QuotaWindow    time.Duration     `yaml:"quota_window"`
	CooldownTime   time.Duration     `yaml:"cooldown_time"` // 0 = never cool down
	Timeouts       TimeoutEntry      `yaml:"timeouts"`
	SupportsStream *bool             `yaml:"supports_stream"`
	Secure         bool              `yaml:"secure"` // eligible for non-public prompts
	Strengths      []string          `yaml:"strengths"`
	MaxRetries     int               `yaml:"max_retries"`
	Enabled        *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the upstream is enabled (defaults to true when nil).
func (u UpstreamEntry) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// Streams reports whether the upstream supports streaming (defaults to true).
func (u UpstreamEntry) Streams() bool {
	return u.SupportsStream == nil || *u.SupportsStream
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name       string  `yaml:"name"`
	Key        string  `yaml:"key"` // plaintext, hashed on bootstrap
	TenantID   string  `yaml:"tenant_id"`
	Admin      bool    `yaml:"admin"`
	RateLimit  int64   `yaml:"rate_limit"`
	TokenLimit int64   `yaml:"token_limit"`
	CostLimit  float64 `yaml:"cost_limit"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  120 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "modelmux.db"},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 60,
			Precision:   time.Second,
		},
		Budget: BudgetConfig{Period: "monthly", WarnThreshold: 0.8},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
			MaxSize: 1000,
		},
		Routing: RoutingConfig{AIRoutingRate: 1.0},
		Shadow: ShadowConfig{
			Rate:          0.05,
			MaxConcurrent: 1,
			QueueSize:     100,
		},
		Optimizer: OptimizerConfig{
			UpdateInterval: 24 * time.Hour,
			MinComparisons: 20,
			LearningRate:   0.2,
			MinWeight:      5,
			MaxWeight:      60,
			MaxChange:      10,
		},
		Breaker: BreakerConfig{
			ErrorThresholdPct: 50,
			VolumeThreshold:   10,
			RollingWindow:     time.Minute,
			ResetTimeout:      30 * time.Second,
		},
		Context: ContextConfig{MaxChunks: 3, RelevanceThreshold: 0.7},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// applyEnv layers recognized environment variables over the loaded config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Server.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		cfg.Routing.DefaultProvider = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTL = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("API_KEY_REQUIRED"); v != "" {
		cfg.Auth.Required = isTruthy(v)
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		cfg.Auth.AdminKey = v
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Window = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("ENABLE_SHADOW"); v != "" {
		cfg.Shadow.Enabled = isTruthy(v)
	}
	if v := os.Getenv("SHADOW_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Shadow.Rate = f
		}
	}
	if v := os.Getenv("SHADOW_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Shadow.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SHADOW_EXCLUDE"); v != "" {
		cfg.Shadow.Exclude = strings.Split(v, ",")
	}
	if v := os.Getenv("ENABLE_JUDGE"); v != "" {
		cfg.Judge.Enabled = isTruthy(v)
	}
	if v := os.Getenv("JUDGE_PROVIDER"); v != "" {
		cfg.Judge.Provider = v
	}
	if v := os.Getenv("JUDGE_MODEL"); v != "" {
		cfg.Judge.Model = v
	}
	if v := os.Getenv("ENABLE_WEIGHT_OPTIMIZER"); v != "" {
		cfg.Optimizer.Enabled = isTruthy(v)
	}
	if v := os.Getenv("WEIGHT_UPDATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Optimizer.UpdateInterval = d
		}
	}
	if v := os.Getenv("MIN_COMPARISONS_FOR_UPDATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Optimizer.MinComparisons = n
		}
	}
	if v := os.Getenv("WEIGHT_LEARNING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Optimizer.LearningRate = f
		}
	}
	if v := os.Getenv("CONTEXT_INJECTION_ENABLED"); v != "" {
		cfg.Context.InjectionEnabled = isTruthy(v)
	}
	if v := os.Getenv("MAX_CONTEXT_CHUNKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.MaxChunks = n
		}
	}
	if v := os.Getenv("CONTEXT_RELEVANCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Context.RelevanceThreshold = f
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate checks invariants that must hold at startup. Upstream names must
// be unique and weights must sum to 100 across enabled upstreams.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Upstreams))
	sum := 0
	enabled := 0
	for _, u := range cfg.Upstreams {
		if seen[u.Name] {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true
		if u.IsEnabled() {
			sum += u.Weight
			enabled++
		}
		switch u.Kind {
		case "", "http", "process":
		default:
			return fmt.Errorf("upstream %q: unknown kind %q", u.Name, u.Kind)
		}
	}
	if enabled > 0 && sum != 100 {
		return fmt.Errorf("upstream weights sum to %d, want 100", sum)
	}
	return nil
}
