package config

import (
	"fmt"
	"strings"

	"workescrow/storage"
)

// MinHMACSecretLength is the shortest accepted gateway signing secret.
var MinHMACSecretLength = 32

func validateConfig(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage_backend: unknown backend %q", cfg.StorageBackend)
	}
	if _, err := cfg.EscrowParams(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if _, err := cfg.FeeDestination(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if len(cfg.Auth.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("auth: hmac_secret must be at least %d characters", MinHMACSecretLength)
	}
	if _, err := cfg.Operators(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit: burst must be positive")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}
