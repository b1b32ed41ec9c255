// Package config loads and validates application configuration from a YAML
// file with environment-variable overrides. Secrets never live in the file;
// they are read from the environment by the components that need them.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects whether decisions lead to action.
type Mode string

const (
	ModeObserver Mode = "observer"
	ModeLive     Mode = "live"
)

// Config holds all application configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	Stream       StreamConfig       `yaml:"stream"`
	SIEM         SIEMConfig         `yaml:"siem"`
	Decision     DecisionConfig     `yaml:"decision"`
	Risk         RiskConfig         `yaml:"risk"`
	Resurrection ResurrectionConfig `yaml:"resurrection"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	HTTP         HTTPConfig         `yaml:"http"`
	Store        StoreConfig        `yaml:"store"`

	// CriticalModules are denied resurrection at elevated risk.
	CriticalModules []string `yaml:"critical_modules"`
}

// StreamConfig selects and addresses the kill-report stream.
type StreamConfig struct {
	Kind          string `yaml:"kind"` // "durable" or "mock"
	Endpoint      string `yaml:"endpoint"`
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumer_group"`
}

// SIEMConfig controls threat-intel enrichment.
type SIEMConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Timeout returns the enrichment deadline as a duration.
func (c SIEMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// DecisionConfig holds the auto-approval gate.
type DecisionConfig struct {
	AutoApprove AutoApproveConfig `yaml:"auto_approve"`
}

// AutoApproveConfig bounds unattended resurrection.
type AutoApproveConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"min_confidence"`
	MaxRisk       float64 `yaml:"max_risk"`
}

// RiskConfig carries the factor weights.
type RiskConfig struct {
	Weights Weights `yaml:"weights"`
}

// Weights are the five risk-factor weights. They must sum to 1.0.
type Weights struct {
	SmithConfidence      float64 `yaml:"smith_confidence"`
	SIEMRisk             float64 `yaml:"siem_risk"`
	FalsePositiveHistory float64 `yaml:"false_positive_history"`
	ModuleCriticality    float64 `yaml:"module_criticality"`
	Severity             float64 `yaml:"severity"`
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.SmithConfidence + w.SIEMRisk + w.FalsePositiveHistory + w.ModuleCriticality + w.Severity
}

// ResurrectionConfig controls the executor.
type ResurrectionConfig struct {
	Executor             string `yaml:"executor"` // "container" or "dry_run"
	HealthCheckIntervalS int    `yaml:"health_check_interval_s"`
	HealthCheckTimeoutS  int    `yaml:"health_check_timeout_s"`
	MaxRetryAttempts     int    `yaml:"max_retry_attempts"`
}

// CalibrationConfig controls threshold self-adjustment.
type CalibrationConfig struct {
	IntervalHours int `yaml:"interval_hours"`
	WindowDays    int `yaml:"window_days"`
}

// HTTPConfig addresses the status/approval surface. A zero RateLimitRPS
// disables the approval rate limit.
type HTTPConfig struct {
	Listen         string  `yaml:"listen"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// StoreConfig locates the outcome database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Mode: ModeObserver,
		Stream: StreamConfig{
			Kind:          "durable",
			Endpoint:      "localhost:6379",
			Topic:         "smith.events.kill_notifications",
			ConsumerGroup: "medic-agent",
		},
		SIEM: SIEMConfig{
			Enabled:   false,
			TimeoutMS: 5000,
		},
		Decision: DecisionConfig{
			AutoApprove: AutoApproveConfig{
				Enabled:       false,
				MinConfidence: 0.85,
				MaxRisk:       0.30,
			},
		},
		Risk: RiskConfig{
			Weights: Weights{
				SmithConfidence:      0.30,
				SIEMRisk:             0.25,
				FalsePositiveHistory: 0.20,
				ModuleCriticality:    0.15,
				Severity:             0.10,
			},
		},
		Resurrection: ResurrectionConfig{
			Executor:             "container",
			HealthCheckIntervalS: 1,
			HealthCheckTimeoutS:  60,
			MaxRetryAttempts:     2,
		},
		Calibration: CalibrationConfig{
			IntervalHours: 24,
			WindowDays:    30,
		},
		HTTP: HTTPConfig{
			Listen:         "0.0.0.0:8000",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Store: StoreConfig{Path: "data/outcomes.db"},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is an error unless allowMissing is
// set, in which case defaults are used.
func Load(path string, allowMissing bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && allowMissing:
		// Defaults stand.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if mode := os.Getenv("MEDIC_MODE"); mode != "" {
		cfg.Mode = Mode(mode)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants. Weight-sum failure refuses
// startup.
func (c Config) Validate() error {
	if c.Mode != ModeObserver && c.Mode != ModeLive {
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModeObserver, ModeLive, c.Mode)
	}
	if c.Stream.Kind != "durable" && c.Stream.Kind != "mock" {
		return fmt.Errorf("config: stream.kind must be \"durable\" or \"mock\", got %q", c.Stream.Kind)
	}
	if c.Stream.Kind == "durable" {
		if c.Stream.Endpoint == "" {
			return fmt.Errorf("config: stream.endpoint is required for durable streams")
		}
		if c.Stream.Topic == "" {
			return fmt.Errorf("config: stream.topic is required for durable streams")
		}
		if c.Stream.ConsumerGroup == "" {
			return fmt.Errorf("config: stream.consumer_group is required for durable streams")
		}
	}
	if c.SIEM.Enabled && c.SIEM.BaseURL == "" {
		return fmt.Errorf("config: siem.base_url is required when siem.enabled is true")
	}
	if c.SIEM.TimeoutMS <= 0 {
		return fmt.Errorf("config: siem.timeout_ms must be positive")
	}
	if sum := c.Risk.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("config: risk weights must sum to 1.0, got %.6f", sum)
	}
	aa := c.Decision.AutoApprove
	if aa.MinConfidence < 0 || aa.MinConfidence > 1 {
		return fmt.Errorf("config: decision.auto_approve.min_confidence out of range [0,1]: %g", aa.MinConfidence)
	}
	if aa.MaxRisk < 0 || aa.MaxRisk > 1 {
		return fmt.Errorf("config: decision.auto_approve.max_risk out of range [0,1]: %g", aa.MaxRisk)
	}
	if c.Resurrection.Executor != "container" && c.Resurrection.Executor != "dry_run" {
		return fmt.Errorf("config: resurrection.executor must be \"container\" or \"dry_run\", got %q", c.Resurrection.Executor)
	}
	if c.Resurrection.HealthCheckIntervalS <= 0 {
		return fmt.Errorf("config: resurrection.health_check_interval_s must be positive")
	}
	if c.Resurrection.HealthCheckTimeoutS <= 0 {
		return fmt.Errorf("config: resurrection.health_check_timeout_s must be positive")
	}
	if c.Resurrection.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: resurrection.max_retry_attempts must be non-negative")
	}
	if c.Calibration.IntervalHours <= 0 {
		return fmt.Errorf("config: calibration.interval_hours must be positive")
	}
	if c.Calibration.WindowDays <= 0 {
		return fmt.Errorf("config: calibration.window_days must be positive")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("config: http.rate_limit_rps must be non-negative")
	}
	if c.HTTP.RateLimitRPS > 0 && c.HTTP.RateLimitBurst <= 0 {
		return fmt.Errorf("config: http.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	return nil
}
