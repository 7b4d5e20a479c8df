package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "ledger.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// listing every failed rule, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validatePricing(&cfg.Pricing)...)
	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validatePreflight(&cfg.Preflight)...)
	errs = append(errs, validateTokens(&cfg.Tokens)...)
	errs = append(errs, validateEvidence(&cfg.Evidence)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validatePricing(cfg *PricingConfig) []FieldError {
	var errs []FieldError

	switch cfg.Source {
	case "file":
		if cfg.Path == "" {
			errs = append(errs, FieldError{"pricing.path", "required for file source"})
		}
	case "remote":
		if cfg.URL == "" {
			errs = append(errs, FieldError{"pricing.url", "required for remote source"})
		} else if u, err := url.Parse(cfg.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, FieldError{"pricing.url", "must be an http or https URL"})
		}
		if cfg.PublicKeyPath == "" {
			errs = append(errs, FieldError{"pricing.public_key_path", "required for remote source"})
		}
	default:
		errs = append(errs, FieldError{"pricing.source", fmt.Sprintf("invalid source %q (must be file or remote)", cfg.Source)})
	}

	if cfg.ExpectedSchema < 1 {
		errs = append(errs, FieldError{"pricing.expected_schema", "must be positive"})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, FieldError{"pricing.max_attempts", "must be at least 1"})
	}
	if cfg.StaleAfter < 0 {
		errs = append(errs, FieldError{"pricing.stale_after", "must not be negative"})
	}
	if cfg.RefreshSchedule != "" {
		if err := validateSchedule(cfg.RefreshSchedule); err != nil {
			errs = append(errs, FieldError{"pricing.refresh_schedule", err.Error()})
		}
	}
	if cfg.Watch && cfg.Source != "file" {
		errs = append(errs, FieldError{"pricing.watch", "only supported for file source"})
	}
	errs = append(errs, validateTLS("pricing.tls", &cfg.TLS, false)...)

	return errs
}

func validateLedger(cfg *LedgerConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{"ledger.sqlite.path", "required for sqlite backend"})
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, FieldError{"ledger.redis.addr", "required for redis backend"})
		}
		if cfg.Redis.MaxTxRetries < 1 {
			errs = append(errs, FieldError{"ledger.redis.max_tx_retries", "must be at least 1"})
		}
	default:
		errs = append(errs, FieldError{"ledger.backend", fmt.Sprintf("invalid backend %q (must be memory, sqlite or redis)", cfg.Backend)})
	}

	if cfg.LeaseTTL <= 0 {
		errs = append(errs, FieldError{"ledger.lease_ttl", "must be positive"})
	}

	switch cfg.ReservePolicy {
	case "fail_fast":
	case "wait":
		if cfg.ReserveWait <= 0 {
			errs = append(errs, FieldError{"ledger.reserve_wait", "must be positive for wait policy"})
		}
	default:
		errs = append(errs, FieldError{"ledger.reserve_policy", fmt.Sprintf("invalid policy %q (must be fail_fast or wait)", cfg.ReservePolicy)})
	}

	if cfg.SweepSchedule != "" {
		if err := validateSchedule(cfg.SweepSchedule); err != nil {
			errs = append(errs, FieldError{"ledger.sweep_schedule", err.Error()})
		}
	}

	return errs
}

func validatePreflight(cfg *PreflightConfig) []FieldError {
	var errs []FieldError
	if cfg.MinOutputTokens < 0 {
		errs = append(errs, FieldError{"preflight.min_output_tokens", "must not be negative"})
	}
	if cfg.DefaultMaxOutputTokens < 1 {
		errs = append(errs, FieldError{"preflight.default_max_output_tokens", "must be positive"})
	}
	if cfg.MinOutputTokens > cfg.DefaultMaxOutputTokens {
		errs = append(errs, FieldError{"preflight.min_output_tokens", "must not exceed default_max_output_tokens"})
	}
	return errs
}

func validateTokens(cfg *TokensConfig) []FieldError {
	var errs []FieldError
	if cfg.CharsPerToken <= 0 {
		errs = append(errs, FieldError{"tokens.chars_per_token", "must be positive"})
	}
	if cfg.MessageOverhead < 0 {
		errs = append(errs, FieldError{"tokens.message_overhead", "must not be negative"})
	}
	for model, ratio := range cfg.Models {
		if ratio <= 0 {
			errs = append(errs, FieldError{"tokens.models." + model, "must be positive"})
		}
	}
	return errs
}

func validateEvidence(cfg *EvidenceConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}

	var errs []FieldError
	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLitePath == "" {
			errs = append(errs, FieldError{"evidence.sqlite_path", "required for sqlite backend"})
		}
	default:
		errs = append(errs, FieldError{"evidence.backend", fmt.Sprintf("invalid backend %q (must be sqlite or memory)", cfg.Backend)})
	}
	if cfg.AsyncBuffer < 1 {
		errs = append(errs, FieldError{"evidence.async_buffer", "must be at least 1"})
	}
	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{"evidence.retention_days", "must not be negative"})
	}
	if cfg.MaxRecords < 0 {
		errs = append(errs, FieldError{"evidence.max_records", "must not be negative"})
	}
	if cfg.RetentionDays > 0 {
		if err := validateSchedule(cfg.PruneSchedule); err != nil {
			errs = append(errs, FieldError{"evidence.prune_schedule", err.Error()})
		}
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level", fmt.Sprintf("invalid level %q", cfg.Logging.Level)})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format", fmt.Sprintf("invalid format %q", cfg.Logging.Format)})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{"telemetry.metrics.path", "must start with /"})
	}
	errs = append(errs, validateTLS("telemetry.metrics.tls", &cfg.Metrics.TLS, true)...)

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{"telemetry.tracing.endpoint", "required when tracing is enabled"})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{"telemetry.tracing.sample_ratio", "must be between 0.0 and 1.0"})
		}
	}

	return errs
}

// validateTLS checks a TLS block. A listener needs its own certificate; a
// client certificate is optional but must come as a pair.
func validateTLS(prefix string, cfg *TLSConfig, listener bool) []FieldError {
	var errs []FieldError
	if listener && !cfg.Enabled {
		return nil
	}

	switch cfg.MinVersion {
	case "1.2", "1.3":
	default:
		errs = append(errs, FieldError{prefix + ".min_version", fmt.Sprintf("invalid version %q (must be 1.2 or 1.3)", cfg.MinVersion)})
	}
	if listener && (cfg.CertFile == "" || cfg.KeyFile == "") {
		errs = append(errs, FieldError{prefix + ".cert_file", "cert_file and key_file are required when TLS is enabled"})
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		errs = append(errs, FieldError{prefix + ".key_file", "cert_file and key_file must be set together"})
	}
	if listener && cfg.ReloadInterval <= 0 {
		errs = append(errs, FieldError{prefix + ".reload_interval", "must be positive"})
	}
	return errs
}

func validateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %v", expr, err)
	}
	return nil
}
