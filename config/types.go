package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as a human readable
// string in both TOML and YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings such as "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// EscrowConfig holds the deployment policy of the escrow engine.
type EscrowConfig struct {
	// FeePolicy is charge_at_release or charge_at_init.
	FeePolicy      string   `toml:"FeePolicy" yaml:"fee_policy"`
	DisputeFeeBps  *uint16  `toml:"DisputeFeeBps" yaml:"dispute_fee_bps"`
	RefundEnabled  *bool    `toml:"RefundEnabled" yaml:"refund_enabled"`
	FeeDestination string   `toml:"FeeDestination" yaml:"fee_destination"`
	PausedModules  []string `toml:"PausedModules" yaml:"paused_modules"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Env        string `toml:"Env" yaml:"env"`
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// AuthConfig controls bearer token verification on the gateway.
type AuthConfig struct {
	HMACSecret    string   `toml:"HMACSecret" yaml:"hmac_secret"`
	HMACSecretEnv string   `toml:"HMACSecretEnv" yaml:"hmac_secret_env"`
	Issuer        string   `toml:"Issuer" yaml:"issuer"`
	Audience      []string `toml:"Audience" yaml:"audience"`
	ClockSkew     Duration `toml:"ClockSkew" yaml:"clock_skew"`
	// Operators may provision and fund ledger accounts.
	Operators []string `toml:"Operators" yaml:"operators"`
}

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}
