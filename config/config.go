package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"workescrow/crypto"
	"workescrow/native/escrow"
	"workescrow/storage"
)

// Config captures the runtime configuration of escrowd.
type Config struct {
	ListenAddress   string          `toml:"ListenAddress" yaml:"listen"`
	DataDir         string          `toml:"DataDir" yaml:"data_dir"`
	StorageBackend  string          `toml:"StorageBackend" yaml:"storage_backend"`
	AuditDB         string          `toml:"AuditDB" yaml:"audit_db"`
	ShutdownTimeout Duration        `toml:"ShutdownTimeout" yaml:"shutdown_timeout"`
	Escrow          EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Log             LogConfig       `toml:"log" yaml:"log"`
	Auth            AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit       RateLimitConfig `toml:"ratelimit" yaml:"ratelimit"`
	Telemetry       TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. A missing TOML file is created
// with defaults and a freshly generated HMAC secret.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if isYAML(path) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return createDefault(path)
	}
	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	applyDefaults(cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8088"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = storage.BackendLevelDB
	}
	if strings.TrimSpace(cfg.AuditDB) == "" {
		cfg.AuditDB = filepath.Join(cfg.DataDir, "audit.db")
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Escrow.DisputeFeeBps == nil {
		bps := escrow.DefaultDisputeFeeBps
		cfg.Escrow.DisputeFeeBps = &bps
	}
	if cfg.Escrow.RefundEnabled == nil {
		enabled := true
		cfg.Escrow.RefundEnabled = &enabled
	}
	if cfg.Escrow.PausedModules == nil {
		cfg.Escrow.PausedModules = []string{}
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
}

func (a *AuthConfig) normalise() error {
	secret := strings.TrimSpace(a.HMACSecret)
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" {
		secret = strings.TrimSpace(os.Getenv(env))
		if secret == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", env)
		}
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	return nil
}

// EscrowParams converts the escrow section into engine parameters.
func (c *Config) EscrowParams() (escrow.Params, error) {
	policy, err := escrow.ParseFeePolicy(c.Escrow.FeePolicy)
	if err != nil {
		return escrow.Params{}, err
	}
	params := escrow.DefaultParams()
	params.Policy = policy
	if c.Escrow.DisputeFeeBps != nil {
		params.DisputeFeeBps = *c.Escrow.DisputeFeeBps
	}
	if c.Escrow.RefundEnabled != nil {
		params.RefundEnabled = *c.Escrow.RefundEnabled
	}
	if err := params.Validate(); err != nil {
		return escrow.Params{}, err
	}
	return params, nil
}

// FeeDestination decodes the default fee destination. An empty value yields
// the zero address, leaving every contract to name its own.
func (c *Config) FeeDestination() ([20]byte, error) {
	raw := strings.TrimSpace(c.Escrow.FeeDestination)
	if raw == "" {
		return [20]byte{}, nil
	}
	addr, err := crypto.ParseParty(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("fee_destination: %w", err)
	}
	return addr, nil
}

// Operators decodes the operator allowlist.
func (c *Config) Operators() ([][20]byte, error) {
	out := make([][20]byte, 0, len(c.Auth.Operators))
	for _, raw := range c.Auth.Operators {
		addr, err := crypto.ParseParty(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Auth: AuthConfig{
			HMACSecret: hex.EncodeToString(key.Bytes()),
			Issuer:     "workescrow",
		},
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
