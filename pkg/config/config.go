// Package config loads and validates the browserd service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AdmissionMode controls what happens to a submission when the session
// pool is at its concurrency ceiling.
type AdmissionMode string

const (
	// AdmissionBlock queues the job until a slot frees.
	AdmissionBlock AdmissionMode = "block"

	// AdmissionReject refuses the submission immediately.
	AdmissionReject AdmissionMode = "reject"
)

// Config is the full configuration surface of the service.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	MaxConcurrentSessions int  `yaml:"maxConcurrentSessions"`
	PerJobTimeoutSeconds  int  `yaml:"perJobTimeoutSeconds"`
	Headless              bool `yaml:"headless"`

	ScratchRoot string `yaml:"scratchRoot"`
	ReportsRoot string `yaml:"reportsRoot"`
	LedgerRoot  string `yaml:"ledgerRoot"`

	AdmissionMode         AdmissionMode `yaml:"admissionMode"`
	StartupRetries        int           `yaml:"startupRetries"`
	TerminateGraceSeconds int           `yaml:"terminateGraceSeconds"`
	QueueSaturationGrace  int           `yaml:"queueSaturationGrace"`
	FinishedRetentionDays int           `yaml:"finishedRetentionDays"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns a configuration with every field at its default value.
func Default() Config {
	return Config{
		ListenAddr:            ":8080",
		MaxConcurrentSessions: 4,
		PerJobTimeoutSeconds:  300,
		Headless:              true,
		ScratchRoot:           "data/profiles",
		ReportsRoot:           "data/reports",
		LedgerRoot:            "data/ledger",
		AdmissionMode:         AdmissionBlock,
		StartupRetries:        3,
		TerminateGraceSeconds: 10,
		QueueSaturationGrace:  8,
		FinishedRetentionDays: 14,
		LogLevel:              "info",
	}
}

// Load reads a YAML configuration file and merges it over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("maxConcurrentSessions must be >= 1, got %d", c.MaxConcurrentSessions)
	}
	if c.PerJobTimeoutSeconds < 1 {
		return fmt.Errorf("perJobTimeoutSeconds must be >= 1, got %d", c.PerJobTimeoutSeconds)
	}
	if c.StartupRetries < 1 {
		return fmt.Errorf("startupRetries must be >= 1, got %d", c.StartupRetries)
	}
	if c.ScratchRoot == "" || c.ReportsRoot == "" || c.LedgerRoot == "" {
		return fmt.Errorf("scratchRoot, reportsRoot and ledgerRoot must all be set")
	}
	switch c.AdmissionMode {
	case AdmissionBlock, AdmissionReject:
	default:
		return fmt.Errorf("admissionMode must be %q or %q, got %q", AdmissionBlock, AdmissionReject, c.AdmissionMode)
	}
	return nil
}

// PerJobTimeout returns the default job deadline as a duration.
func (c Config) PerJobTimeout() time.Duration {
	return time.Duration(c.PerJobTimeoutSeconds) * time.Second
}

// TerminateGrace returns the graceful-shutdown window as a duration.
func (c Config) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceSeconds) * time.Second
}

// FinishedRetention returns the finished-ledger retention as a duration.
func (c Config) FinishedRetention() time.Duration {
	return time.Duration(c.FinishedRetentionDays) * 24 * time.Hour
}
