package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the orchestrator runtime.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// The configuration automatically detects the execution environment
// (Kubernetes vs local) and adjusts defaults accordingly.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("payments-orchestrator"),
//	    core.WithRedisURL("redis://localhost:6379"),
//	    core.WithLoopBound(50),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core identity
	Name      string `json:"name" yaml:"name" env:"STRAND_SERVICE_NAME"`
	ID        string `json:"id" yaml:"id" env:"STRAND_SERVICE_ID"`
	Namespace string `json:"namespace" yaml:"namespace" env:"STRAND_NAMESPACE" default:"default"`

	// Persistence configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Event bus configuration
	EventBus EventBusConfig `json:"event_bus" yaml:"event_bus"`

	// Orchestrator runtime limits
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`

	// Mandate chain configuration
	Mandate MandateConfig `json:"mandate" yaml:"mandate"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development" yaml:"development"`

	// Kubernetes specific configuration
	Kubernetes KubernetesConfig `json:"kubernetes" yaml:"kubernetes"`
}

// DefaultKeyPrefix namespaces every storage key written by the store.
const DefaultKeyPrefix = "strand:"

// StoreConfig configures the execution/mandate store. The redis provider is
// used when Provider is "redis"; "memory" keeps everything in-process and is
// the local-development default.
type StoreConfig struct {
	Provider  string        `json:"provider" yaml:"provider" env:"STRAND_STORE_PROVIDER" default:"memory"`
	RedisURL  string        `json:"redis_url" yaml:"redis_url" env:"STRAND_REDIS_URL,REDIS_URL"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix" env:"STRAND_STORE_KEY_PREFIX" default:"strand:"`
	TTL       time.Duration `json:"ttl" yaml:"ttl" env:"STRAND_STORE_TTL" default:"24h"`
	ErrorTTL  time.Duration `json:"error_ttl" yaml:"error_ttl" env:"STRAND_STORE_ERROR_TTL" default:"168h"`
}

// EventBusConfig configures progress event delivery.
type EventBusConfig struct {
	Provider   string `json:"provider" yaml:"provider" env:"STRAND_EVENTBUS_PROVIDER" default:"memory"`
	RedisURL   string `json:"redis_url" yaml:"redis_url" env:"STRAND_EVENTBUS_REDIS_URL"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size" env:"STRAND_EVENTBUS_BUFFER" default:"256"`
}

// OrchestratorConfig bounds execution behaviour. Step retry parameters are
// fixed by the execution contract; they are exposed here so operators can
// verify them against production expectations before release.
type OrchestratorConfig struct {
	LoopBound              int           `json:"loop_bound" yaml:"loop_bound" env:"STRAND_LOOP_BOUND" default:"100"`
	MaxConcurrentPerTenant int64         `json:"max_concurrent_per_tenant" yaml:"max_concurrent_per_tenant" env:"STRAND_TENANT_CONCURRENCY" default:"8"`
	DefaultStepTimeout     time.Duration `json:"default_step_timeout" yaml:"default_step_timeout" env:"STRAND_STEP_TIMEOUT_DEFAULT" default:"30s"`
	MinStepTimeout         time.Duration `json:"min_step_timeout" yaml:"min_step_timeout" default:"1s"`
	MaxStepTimeout         time.Duration `json:"max_step_timeout" yaml:"max_step_timeout" default:"5m"`
	RollbackTimeout        time.Duration `json:"rollback_timeout" yaml:"rollback_timeout" env:"STRAND_ROLLBACK_TIMEOUT" default:"30s"`
	MaxRetryAttempts       int           `json:"max_retry_attempts" yaml:"max_retry_attempts" default:"10"`
	RetryBaseDelay         time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" default:"250ms"`
	RetryMaxDelay          time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" default:"5s"`
	RetryFactor            float64       `json:"retry_factor" yaml:"retry_factor" default:"2.0"`
	RetryJitter            float64       `json:"retry_jitter" yaml:"retry_jitter" default:"0.2"`
	InfraRetryAttempts     int           `json:"infra_retry_attempts" yaml:"infra_retry_attempts" default:"3"`
	InfraRetryDelay        time.Duration `json:"infra_retry_delay" yaml:"infra_retry_delay" default:"100ms"`
}

// MandateConfig carries per-kind mandate TTLs and the signing key identity.
type MandateConfig struct {
	IntentTTL    time.Duration `json:"intent_ttl" yaml:"intent_ttl" env:"STRAND_MANDATE_INTENT_TTL" default:"24h"`
	CartTTL      time.Duration `json:"cart_ttl" yaml:"cart_ttl" env:"STRAND_MANDATE_CART_TTL" default:"1h"`
	PaymentTTL   time.Duration `json:"payment_ttl" yaml:"payment_ttl" env:"STRAND_MANDATE_PAYMENT_TTL" default:"15m"`
	ApprovalTTL  time.Duration `json:"approval_ttl" yaml:"approval_ttl" env:"STRAND_MANDATE_APPROVAL_TTL" default:"72h"`
	SigningKeyID string        `json:"signing_key_id" yaml:"signing_key_id" env:"STRAND_SIGNING_KEY_ID" default:"strand-signer"`
}

// TelemetryConfig contains OpenTelemetry configuration.
// This is an optional module - telemetry is only initialized when Enabled=true.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"STRAND_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"STRAND_OTEL_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" yaml:"service_name" env:"STRAND_OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate" default:"1.0"`
	Insecure       bool    `json:"insecure" yaml:"insecure" default:"true"`
	Profile        string  `json:"profile" yaml:"profile" env:"STRAND_TELEMETRY_PROFILE" default:"production"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
// In Kubernetes environments, JSON format is recommended for log aggregation.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" env:"STRAND_LOG_LEVEL" default:"info"`
	Format      string `json:"format" yaml:"format" env:"STRAND_LOG_FORMAT" default:"json"`
	Output      string `json:"output" yaml:"output" env:"STRAND_LOG_OUTPUT" default:"stdout"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// DevelopmentConfig contains settings for local development and testing.
// When Enabled=true, the runtime uses development-friendly defaults:
// human-readable logs, in-memory providers, and debug logging.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"STRAND_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"STRAND_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" env:"STRAND_PRETTY_LOGS" default:"false"`
}

// KubernetesConfig contains Kubernetes-specific settings.
// The runtime automatically detects Kubernetes environments by checking
// for the KUBERNETES_SERVICE_HOST environment variable.
type KubernetesConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" env:"KUBERNETES_SERVICE_HOST"`
	PodName      string `json:"pod_name" yaml:"pod_name" env:"HOSTNAME"`
	PodNamespace string `json:"pod_namespace" yaml:"pod_namespace" env:"STRAND_K8S_NAMESPACE"`
}

// DefaultConfig returns a Config with sane defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "strand-orchestrator",
		Namespace: "default",
		Store: StoreConfig{
			Provider:  "memory",
			KeyPrefix: "strand:",
			TTL:       24 * time.Hour,
			ErrorTTL:  7 * 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Provider:   "memory",
			BufferSize: 256,
		},
		Orchestrator: OrchestratorConfig{
			LoopBound:              100,
			MaxConcurrentPerTenant: 8,
			DefaultStepTimeout:     30 * time.Second,
			MinStepTimeout:         1 * time.Second,
			MaxStepTimeout:         5 * time.Minute,
			RollbackTimeout:        30 * time.Second,
			MaxRetryAttempts:       10,
			RetryBaseDelay:         250 * time.Millisecond,
			RetryMaxDelay:          5 * time.Second,
			RetryFactor:            2.0,
			RetryJitter:            0.2,
			InfraRetryAttempts:     3,
			InfraRetryDelay:        100 * time.Millisecond,
		},
		Mandate: MandateConfig{
			IntentTTL:    24 * time.Hour,
			CartTTL:      1 * time.Hour,
			PaymentTTL:   15 * time.Minute,
			ApprovalTTL:  72 * time.Hour,
			SigningKeyID: "strand-signer",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
			Profile:        "production",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	cfg.DetectEnvironment()
	return cfg
}

// DetectEnvironment adjusts defaults based on the runtime environment.
// Kubernetes gets structured logs and the in-cluster redis address;
// local development gets pretty logs and development mode.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		c.Kubernetes.PodName = os.Getenv("HOSTNAME")
		c.Logging.Format = "json"
		if c.Store.RedisURL == "" {
			c.Store.RedisURL = "redis://redis.default.svc.cluster.local:6379"
		}
	} else {
		if c.Store.RedisURL == "" {
			c.Store.RedisURL = "redis://localhost:6379"
		}
		if os.Getenv("STRAND_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by
// functional options.
//
// Variable naming convention:
//   - Runtime-specific: STRAND_<SETTING>
//   - Standard variables: REDIS_URL, OTEL_EXPORTER_OTLP_ENDPOINT
func (c *Config) LoadFromEnv() error {
	// Core settings
	if v := os.Getenv("STRAND_SERVICE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("STRAND_SERVICE_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("STRAND_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	// Store settings
	if v := os.Getenv("STRAND_STORE_PROVIDER"); v != "" {
		c.Store.Provider = v
	}
	if v := os.Getenv("STRAND_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("STRAND_STORE_KEY_PREFIX"); v != "" {
		c.Store.KeyPrefix = v
	}
	if v := os.Getenv("STRAND_STORE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.TTL = d
		}
	}
	if v := os.Getenv("STRAND_STORE_ERROR_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.ErrorTTL = d
		}
	}

	// Event bus settings
	if v := os.Getenv("STRAND_EVENTBUS_PROVIDER"); v != "" {
		c.EventBus.Provider = v
	}
	if v := os.Getenv("STRAND_EVENTBUS_REDIS_URL"); v != "" {
		c.EventBus.RedisURL = v
	}
	if v := os.Getenv("STRAND_EVENTBUS_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.EventBus.BufferSize = n
		}
	}

	// Orchestrator settings
	if v := os.Getenv("STRAND_LOOP_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.LoopBound = n
		}
	}
	if v := os.Getenv("STRAND_TENANT_CONCURRENCY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Orchestrator.MaxConcurrentPerTenant = n
		}
	}
	if v := os.Getenv("STRAND_STEP_TIMEOUT_DEFAULT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.DefaultStepTimeout = d
		}
	}
	if v := os.Getenv("STRAND_ROLLBACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.RollbackTimeout = d
		}
	}

	// Mandate settings
	if v := os.Getenv("STRAND_MANDATE_INTENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Mandate.IntentTTL = d
		}
	}
	if v := os.Getenv("STRAND_MANDATE_CART_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Mandate.CartTTL = d
		}
	}
	if v := os.Getenv("STRAND_MANDATE_PAYMENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Mandate.PaymentTTL = d
		}
	}
	if v := os.Getenv("STRAND_MANDATE_APPROVAL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Mandate.ApprovalTTL = d
		}
	}
	if v := os.Getenv("STRAND_SIGNING_KEY_ID"); v != "" {
		c.Mandate.SigningKeyID = v
	}

	// Telemetry settings
	if v := os.Getenv("STRAND_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("STRAND_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable when an endpoint is provided
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("STRAND_OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("STRAND_TELEMETRY_PROFILE"); v != "" {
		c.Telemetry.Profile = v
	}

	// Logging settings
	if v := os.Getenv("STRAND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STRAND_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("STRAND_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	// Development settings
	if v := os.Getenv("STRAND_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := os.Getenv("STRAND_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	if v := os.Getenv("STRAND_PRETTY_LOGS"); v != "" {
		c.Development.PrettyLogs = parseBool(v)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// File values override current values; environment variables and functional
// options applied afterwards still take precedence.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &FrameworkError{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("cannot read config file %s", path),
			Err:     err,
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return &FrameworkError{
				Op:      "Config.LoadFromFile",
				Kind:    "config",
				Message: fmt.Sprintf("invalid YAML in %s", path),
				Err:     err,
			}
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return &FrameworkError{
				Op:      "Config.LoadFromFile",
				Kind:    "config",
				Message: fmt.Sprintf("invalid JSON in %s", path),
				Err:     err,
			}
		}
	default:
		return &FrameworkError{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("unsupported config format: %s", path),
			Err:     ErrInvalidConfiguration,
		}
	}
	return nil
}

// Validate checks the final configuration for consistency.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Store.Provider == "redis" && c.Store.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for the redis store provider",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.EventBus.Provider == "redis" && c.EventBus.RedisURL == "" && c.Store.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for the redis event bus provider",
			Err:     ErrMissingConfiguration,
		}
	}

	o := c.Orchestrator
	if o.LoopBound < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("loop bound must be at least 1, got %d", o.LoopBound),
			Err:     ErrInvalidConfiguration,
		}
	}
	if o.MaxRetryAttempts < 0 || o.MaxRetryAttempts > 10 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("max retry attempts must be between 0 and 10, got %d", o.MaxRetryAttempts),
			Err:     ErrInvalidConfiguration,
		}
	}
	if o.MinStepTimeout <= 0 || o.MaxStepTimeout < o.MinStepTimeout {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "step timeout bounds are inverted",
			Err:     ErrInvalidConfiguration,
		}
	}
	if o.DefaultStepTimeout < o.MinStepTimeout || o.DefaultStepTimeout > o.MaxStepTimeout {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "default step timeout outside allowed bounds",
			Err:     ErrInvalidConfiguration,
		}
	}

	m := c.Mandate
	if m.IntentTTL <= 0 || m.CartTTL <= 0 || m.PaymentTTL <= 0 || m.ApprovalTTL <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "mandate TTLs must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" && c.Telemetry.Profile != "dev" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

// Helper functions

// parseBool parses a boolean environment value, accepting 1/true/yes/on.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Option is a functional option for configuring the runtime.
// Options are applied in order and can return an error if the configuration
// is invalid.
type Option func(*Config) error

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty")
		}
		c.Name = name
		return nil
	}
}

// WithNamespace sets the tenant namespace used in store keys.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithRedisURL points both the store and the event bus at a redis instance
// and switches their providers to redis.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("redis URL cannot be empty")
		}
		c.Store.Provider = "redis"
		c.Store.RedisURL = url
		c.EventBus.Provider = "redis"
		c.EventBus.RedisURL = url
		return nil
	}
}

// WithStoreProvider selects the store provider ("memory" or "redis").
func WithStoreProvider(provider string) Option {
	return func(c *Config) error {
		c.Store.Provider = provider
		return nil
	}
}

// WithKeyPrefix overrides the store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) error {
		if prefix == "" {
			return fmt.Errorf("key prefix cannot be empty")
		}
		c.Store.KeyPrefix = prefix
		return nil
	}
}

// WithLoopBound sets the default conditional-loopback iteration cap.
func WithLoopBound(bound int) Option {
	return func(c *Config) error {
		if bound < 1 {
			return fmt.Errorf("loop bound must be at least 1")
		}
		c.Orchestrator.LoopBound = bound
		return nil
	}
}

// WithTenantConcurrency caps concurrent executions per tenant (0 = unlimited).
func WithTenantConcurrency(max int64) Option {
	return func(c *Config) error {
		if max < 0 {
			return fmt.Errorf("tenant concurrency cannot be negative")
		}
		c.Orchestrator.MaxConcurrentPerTenant = max
		return nil
	}
}

// WithRollbackTimeout sets the per-step compensation deadline.
func WithRollbackTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("rollback timeout must be positive")
		}
		c.Orchestrator.RollbackTimeout = d
		return nil
	}
}

// WithMandateTTLs overrides the per-kind mandate expiry windows.
func WithMandateTTLs(intent, cart, payment, approval time.Duration) Option {
	return func(c *Config) error {
		if intent <= 0 || cart <= 0 || payment <= 0 || approval <= 0 {
			return fmt.Errorf("mandate TTLs must be positive")
		}
		c.Mandate.IntentTTL = intent
		c.Mandate.CartTTL = cart
		c.Mandate.PaymentTTL = payment
		c.Mandate.ApprovalTTL = approval
		return nil
	}
}

// WithSigningKeyID names the key identity used for mandate signatures.
func WithSigningKeyID(keyID string) Option {
	return func(c *Config) error {
		if keyID == "" {
			return fmt.Errorf("signing key id cannot be empty")
		}
		c.Mandate.SigningKeyID = keyID
		return nil
	}
}

// WithTelemetry enables telemetry with the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			c.Logging.Level = level
			return nil
		}
		return fmt.Errorf("invalid log level: %s", level)
	}
}

// WithLogFormat sets the log format (json or text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		switch format {
		case "json", "text":
			c.Logging.Format = format
			return nil
		}
		return fmt.Errorf("invalid log format: %s", format)
	}
}

// WithDevelopmentMode toggles development-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

// WithConfigFile loads a JSON or YAML configuration file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a configuration applying defaults, environment variables
// and functional options in priority order, then validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
