package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates it. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - config path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// SPENDGUARD_* environment variable overrides, which always win over the
// file. The result is validated again after overrides.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// DefaultWithEnvOverrides returns the defaults with SPENDGUARD_* environment
// overrides applied. The CLI uses it when no configuration file exists.
func DefaultWithEnvOverrides() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Pricing overrides
	envString("SPENDGUARD_PRICING_SOURCE", &cfg.Pricing.Source)
	envString("SPENDGUARD_PRICING_PATH", &cfg.Pricing.Path)
	envString("SPENDGUARD_PRICING_URL", &cfg.Pricing.URL)
	envString("SPENDGUARD_PRICING_PUBLIC_KEY_PATH", &cfg.Pricing.PublicKeyPath)
	envInt("SPENDGUARD_PRICING_EXPECTED_SCHEMA", &cfg.Pricing.ExpectedSchema)
	envString("SPENDGUARD_PRICING_REFRESH_SCHEDULE", &cfg.Pricing.RefreshSchedule)
	envDuration("SPENDGUARD_PRICING_STALE_AFTER", &cfg.Pricing.StaleAfter)
	envBool("SPENDGUARD_PRICING_WATCH", &cfg.Pricing.Watch)
	envString("SPENDGUARD_PRICING_TLS_CA_FILE", &cfg.Pricing.TLS.CAFile)

	// Ledger overrides
	envString("SPENDGUARD_LEDGER_BACKEND", &cfg.Ledger.Backend)
	envString("SPENDGUARD_LEDGER_SQLITE_PATH", &cfg.Ledger.SQLite.Path)
	envString("SPENDGUARD_LEDGER_REDIS_ADDR", &cfg.Ledger.Redis.Addr)
	envString("SPENDGUARD_LEDGER_REDIS_PASSWORD", &cfg.Ledger.Redis.Password)
	envInt("SPENDGUARD_LEDGER_REDIS_DB", &cfg.Ledger.Redis.DB)
	envDuration("SPENDGUARD_LEDGER_LEASE_TTL", &cfg.Ledger.LeaseTTL)
	envString("SPENDGUARD_LEDGER_RESERVE_POLICY", &cfg.Ledger.ReservePolicy)
	envDuration("SPENDGUARD_LEDGER_RESERVE_WAIT", &cfg.Ledger.ReserveWait)
	envString("SPENDGUARD_LEDGER_SWEEP_SCHEDULE", &cfg.Ledger.SweepSchedule)

	// Evidence overrides
	envBool("SPENDGUARD_EVIDENCE_ENABLED", &cfg.Evidence.Enabled)
	envString("SPENDGUARD_EVIDENCE_BACKEND", &cfg.Evidence.Backend)
	envString("SPENDGUARD_EVIDENCE_SQLITE_PATH", &cfg.Evidence.SQLitePath)
	envInt("SPENDGUARD_EVIDENCE_RETENTION_DAYS", &cfg.Evidence.RetentionDays)

	// Telemetry overrides
	envString("SPENDGUARD_LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("SPENDGUARD_LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("SPENDGUARD_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("SPENDGUARD_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	envBool("SPENDGUARD_METRICS_TLS_ENABLED", &cfg.Telemetry.Metrics.TLS.Enabled)
	envString("SPENDGUARD_METRICS_TLS_CERT_FILE", &cfg.Telemetry.Metrics.TLS.CertFile)
	envString("SPENDGUARD_METRICS_TLS_KEY_FILE", &cfg.Telemetry.Metrics.TLS.KeyFile)
	envBool("SPENDGUARD_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("SPENDGUARD_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
