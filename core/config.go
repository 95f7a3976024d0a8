package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the orchestrator.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("conductor"),
//	    core.WithDataDir("/var/lib/conductor"),
//	)
type Config struct {
	// Core configuration
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	Circuit   CircuitConfig   `yaml:"circuit"`
	Retry     RetryConfig     `yaml:"retry"`
	Pool      PoolConfig      `yaml:"pool"`
	Timeout   TimeoutConfig   `yaml:"timeout"`
	Health    HealthConfig    `yaml:"health"`
	Summary   SummaryConfig   `yaml:"summary"`
	Memory    MemoryConfig    `yaml:"memory"`
	Plan      PlanConfig      `yaml:"plan"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Agents statically registered at startup
	Agents []StaticAgent `yaml:"agents"`
}

// CircuitConfig shapes per-endpoint circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RetryConfig shapes the backoff of the retry loop.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Backoff     float64       `yaml:"backoff"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PoolConfig caps the transport's connection pool.
type PoolConfig struct {
	Total   int `yaml:"total"`
	PerHost int `yaml:"per_host"`
}

// TimeoutConfig holds the hierarchical per-call deadlines.
type TimeoutConfig struct {
	Health   time.Duration `yaml:"health"`
	Standard time.Duration `yaml:"standard"`
	Long     time.Duration `yaml:"long"`
	Envelope time.Duration `yaml:"envelope"`
}

// HealthConfig controls the registry's probe sweeps.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// SummaryConfig controls background conversation summarization.
type SummaryConfig struct {
	MessageThreshold int           `yaml:"message_threshold"`
	PreserveTail     int           `yaml:"preserve_tail"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MemoryConfig controls entity memory extraction and storage.
type MemoryConfig struct {
	ToolThreshold int           `yaml:"tool_threshold"`
	MaxPerType    int           `yaml:"max_per_type"`
	Timeout       time.Duration `yaml:"timeout"`
	RedisURL      string        `yaml:"redis_url"`
}

// PlanConfig bounds plan execution.
type PlanConfig struct {
	MaxTaskAttempts int `yaml:"max_task_attempts"`
	// Balancer picks among agents sharing a capability: round_robin,
	// least_connections, or weighted_latency.
	Balancer string `yaml:"balancer"`
}

// LLMConfig configures the model boundary.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StaticAgent describes an agent registered from configuration at startup.
type StaticAgent struct {
	Name         string   `yaml:"name"`
	Endpoint     string   `yaml:"endpoint"`
	Capabilities []string `yaml:"capabilities"`
	Description  string   `yaml:"description"`
}

// Option is a functional configuration option.
type Option func(*Config)

// DefaultConfig returns the configuration defaults from the protocol spec.
func DefaultConfig() *Config {
	return &Config{
		Name:    "conductor",
		DataDir: "data",
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenTimeout:      60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			Backoff:     2.0,
			MaxDelay:    30 * time.Second,
		},
		Pool: PoolConfig{
			Total:   50,
			PerHost: 20,
		},
		Timeout: TimeoutConfig{
			Health:   10 * time.Second,
			Standard: 30 * time.Second,
			Long:     120 * time.Second,
			Envelope: 300 * time.Second,
		},
		Health: HealthConfig{
			Interval:    30 * time.Second,
			Concurrency: 10,
		},
		Summary: SummaryConfig{
			MessageThreshold: 20,
			PreserveTail:     5,
			Timeout:          30 * time.Second,
		},
		Memory: MemoryConfig{
			ToolThreshold: 8,
			MaxPerType:    50,
			Timeout:       30 * time.Second,
		},
		Plan: PlanConfig{
			MaxTaskAttempts: 3,
			Balancer:        "round_robin",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.2,
			MaxTokens:   4000,
			Timeout:     60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conductor",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "auto",
		},
	}
}

// LoadFromEnv applies CONDUCTOR_* environment overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CONDUCTOR_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CONDUCTOR_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	var parseErr error
	durationVar := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				parseErr = fmt.Errorf("%s: %q: %w", name, v, ErrInvalidConfiguration)
				return
			}
			*dst = d
		}
	}
	intVar := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErr = fmt.Errorf("%s: %q: %w", name, v, ErrInvalidConfiguration)
				return
			}
			*dst = n
		}
	}

	intVar("CONDUCTOR_CIRCUIT_FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	durationVar("CONDUCTOR_CIRCUIT_OPEN_TIMEOUT", &c.Circuit.OpenTimeout)
	intVar("CONDUCTOR_CIRCUIT_HALF_OPEN_MAX_CALLS", &c.Circuit.HalfOpenMaxCalls)
	intVar("CONDUCTOR_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	durationVar("CONDUCTOR_RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	durationVar("CONDUCTOR_RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	intVar("CONDUCTOR_POOL_TOTAL", &c.Pool.Total)
	intVar("CONDUCTOR_POOL_PER_HOST", &c.Pool.PerHost)
	durationVar("CONDUCTOR_TIMEOUT_HEALTH", &c.Timeout.Health)
	durationVar("CONDUCTOR_TIMEOUT_STANDARD", &c.Timeout.Standard)
	durationVar("CONDUCTOR_TIMEOUT_LONG", &c.Timeout.Long)
	durationVar("CONDUCTOR_TIMEOUT_ENVELOPE", &c.Timeout.Envelope)
	durationVar("CONDUCTOR_HEALTH_INTERVAL", &c.Health.Interval)
	intVar("CONDUCTOR_SUMMARY_MESSAGE_THRESHOLD", &c.Summary.MessageThreshold)
	intVar("CONDUCTOR_MEMORY_TOOL_THRESHOLD", &c.Memory.ToolThreshold)
	intVar("CONDUCTOR_PLAN_MAX_TASK_ATTEMPTS", &c.Plan.MaxTaskAttempts)
	if v := os.Getenv("CONDUCTOR_PLAN_BALANCER"); v != "" {
		c.Plan.Balancer = v
	}

	return parseErr
}

// LoadFromFile merges settings from a YAML configuration file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required: %w", ErrMissingConfiguration)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be at least 1, got %d: %w",
			c.Circuit.FailureThreshold, ErrInvalidConfiguration)
	}
	if c.Circuit.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit.half_open_max_calls must be at least 1, got %d: %w",
			c.Circuit.HalfOpenMaxCalls, ErrInvalidConfiguration)
	}
	if c.Circuit.OpenTimeout <= 0 {
		return fmt.Errorf("circuit.open_timeout must be positive, got %v: %w",
			c.Circuit.OpenTimeout, ErrInvalidConfiguration)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d: %w",
			c.Retry.MaxAttempts, ErrInvalidConfiguration)
	}
	if c.Retry.Backoff < 1 {
		return fmt.Errorf("retry.backoff must be at least 1, got %f: %w",
			c.Retry.Backoff, ErrInvalidConfiguration)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays out of range (base=%v max=%v): %w",
			c.Retry.BaseDelay, c.Retry.MaxDelay, ErrInvalidConfiguration)
	}
	if c.Pool.Total < 1 || c.Pool.PerHost < 1 {
		return fmt.Errorf("pool limits must be positive (total=%d per_host=%d): %w",
			c.Pool.Total, c.Pool.PerHost, ErrInvalidConfiguration)
	}
	if c.Pool.PerHost > c.Pool.Total {
		return fmt.Errorf("pool.per_host %d exceeds pool.total %d: %w",
			c.Pool.PerHost, c.Pool.Total, ErrInvalidConfiguration)
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"timeout.health", c.Timeout.Health},
		{"timeout.standard", c.Timeout.Standard},
		{"timeout.long", c.Timeout.Long},
		{"timeout.envelope", c.Timeout.Envelope},
		{"health.interval", c.Health.Interval},
	} {
		if t.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v: %w", t.name, t.d, ErrInvalidConfiguration)
		}
	}
	if c.Summary.MessageThreshold < 1 {
		return fmt.Errorf("summary.message_threshold must be at least 1, got %d: %w",
			c.Summary.MessageThreshold, ErrInvalidConfiguration)
	}
	if c.Memory.ToolThreshold < 1 {
		return fmt.Errorf("memory.tool_threshold must be at least 1, got %d: %w",
			c.Memory.ToolThreshold, ErrInvalidConfiguration)
	}
	if c.Plan.MaxTaskAttempts < 1 {
		return fmt.Errorf("plan.max_task_attempts must be at least 1, got %d: %w",
			c.Plan.MaxTaskAttempts, ErrInvalidConfiguration)
	}
	switch c.Plan.Balancer {
	case "", "round_robin", "least_connections", "weighted_latency":
	default:
		return fmt.Errorf("plan.balancer %q is not a known strategy: %w",
			c.Plan.Balancer, ErrInvalidConfiguration)
	}
	return nil
}

// NewConfig creates a Config from defaults, environment, and options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithName sets the orchestrator service name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithDataDir sets the root directory for persisted state.
func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

// WithConfigFile merges a YAML configuration file.
// File parse errors surface from NewConfig via Validate.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		_ = c.LoadFromFile(path)
	}
}

// WithCircuitBreaker overrides the breaker thresholds.
func WithCircuitBreaker(failureThreshold int, openTimeout time.Duration) Option {
	return func(c *Config) {
		c.Circuit.FailureThreshold = failureThreshold
		c.Circuit.OpenTimeout = openTimeout
	}
}

// WithRetry overrides the retry shape.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Config) {
		c.Retry.MaxAttempts = maxAttempts
		c.Retry.BaseDelay = baseDelay
	}
}

// WithRedisURL enables Redis-backed entity memory.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Memory.RedisURL = url }
}

// WithLLM configures the model boundary.
func WithLLM(provider, apiKey, model string) Option {
	return func(c *Config) {
		c.LLM.Provider = provider
		c.LLM.APIKey = apiKey
		c.LLM.Model = model
	}
}

// WithTelemetry enables OTel export to the given endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
	}
}

// WithAgents statically registers agents at startup.
func WithAgents(agents ...StaticAgent) Option {
	return func(c *Config) { c.Agents = append(c.Agents, agents...) }
}
