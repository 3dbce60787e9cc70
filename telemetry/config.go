package telemetry

import (
	"time"

	"github.com/strandflow/strand/core"
)

// Config configures the telemetry system
type Config struct {
	// Basic settings
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool

	// Feature toggles
	TracingEnabled bool
	MetricsEnabled bool

	// Sampling configuration
	SamplingRate float64

	// Export tuning
	ExportTimeout  time.Duration
	MetricInterval time.Duration
}

// Profile represents a pre-configured telemetry profile
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// Profiles contains pre-configured telemetry profiles.
// The development profile writes spans to stdout so workflows can be traced
// without a collector running.
var Profiles = map[Profile]Config{
	ProfileDevelopment: {
		Enabled:        true,
		Endpoint:       "localhost:4318",
		Insecure:       true,
		TracingEnabled: true,
		MetricsEnabled: true,
		SamplingRate:   1.0,
		ExportTimeout:  10 * time.Second,
		MetricInterval: 15 * time.Second,
	},
	ProfileStaging: {
		Enabled:        true,
		Endpoint:       "otel-collector.staging:4318",
		Insecure:       true,
		TracingEnabled: true,
		MetricsEnabled: true,
		SamplingRate:   0.1,
		ExportTimeout:  30 * time.Second,
		MetricInterval: 30 * time.Second,
	},
	ProfileProduction: {
		Enabled:        true,
		Endpoint:       "otel-collector.prod:4318", // Override with env var
		TracingEnabled: true,
		MetricsEnabled: true,
		SamplingRate:   0.01,
		ExportTimeout:  30 * time.Second,
		MetricInterval: 60 * time.Second,
	},
}

// UseProfile returns a configuration based on a profile name
func UseProfile(profile Profile) Config {
	if config, ok := Profiles[profile]; ok {
		return config
	}
	// Default to development profile
	return Profiles[ProfileDevelopment]
}

// WithOverrides applies overrides to a config
func (c Config) WithOverrides(overrides Config) Config {
	// Override non-zero values
	if overrides.Enabled {
		c.Enabled = overrides.Enabled
	}
	if overrides.ServiceName != "" {
		c.ServiceName = overrides.ServiceName
	}
	if overrides.ServiceVersion != "" {
		c.ServiceVersion = overrides.ServiceVersion
	}
	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}
	if overrides.Insecure {
		c.Insecure = overrides.Insecure
	}
	if overrides.SamplingRate > 0 {
		c.SamplingRate = overrides.SamplingRate
	}
	if overrides.ExportTimeout > 0 {
		c.ExportTimeout = overrides.ExportTimeout
	}
	if overrides.MetricInterval > 0 {
		c.MetricInterval = overrides.MetricInterval
	}
	return c
}

// FromCoreConfig translates the framework-level telemetry settings into a
// telemetry Config, picking the profile that matches the configured name.
func FromCoreConfig(cfg core.TelemetryConfig, serviceName string) Config {
	profile := ProfileProduction
	switch cfg.Profile {
	case "dev", "development":
		profile = ProfileDevelopment
	case "staging":
		profile = ProfileStaging
	}

	config := UseProfile(profile)
	config.Enabled = cfg.Enabled
	config.TracingEnabled = cfg.TracingEnabled
	config.MetricsEnabled = cfg.MetricsEnabled
	config.Insecure = cfg.Insecure
	if cfg.Endpoint != "" {
		config.Endpoint = cfg.Endpoint
	}
	if cfg.SamplingRate > 0 {
		config.SamplingRate = cfg.SamplingRate
	}
	if cfg.ServiceName != "" {
		config.ServiceName = cfg.ServiceName
	} else {
		config.ServiceName = serviceName
	}
	return config
}
