package config

import "time"

// Default values for configuration fields.
const (
	// Pricing defaults
	DefaultPricingSource       = "file"
	DefaultPricingPath         = "pricing.yaml"
	DefaultPricingSchema       = 1
	DefaultPricingFetchTimeout = 10 * time.Second
	DefaultPricingMaxAttempts  = 5

	// Ledger defaults
	DefaultLedgerBackend            = "sqlite"
	DefaultLedgerSQLitePath         = "data/ledger.db"
	DefaultLedgerBusyTimeout        = 5 * time.Second
	DefaultLedgerCheckpointInterval = 5 * time.Minute
	DefaultLedgerRedisAddr          = "127.0.0.1:6379"
	DefaultLedgerRedisKeyPrefix     = "spendguard:"
	DefaultLedgerRedisMaxTxRetries  = 16
	DefaultLedgerLeaseTTL           = 15 * time.Minute
	DefaultLedgerReservePolicy      = "fail_fast"
	DefaultLedgerReserveWait        = 5 * time.Second
	DefaultLedgerSweepSchedule      = "@every 1m"

	// Preflight defaults
	DefaultPreflightMinOutputTokens        = int64(16)
	DefaultPreflightDefaultMaxOutputTokens = int64(4096)

	// Token estimation defaults
	DefaultTokensCharsPerToken   = 3.5
	DefaultTokensMessageOverhead = 4

	// Evidence defaults
	DefaultEvidenceEnabled       = true
	DefaultEvidenceBackend       = "sqlite"
	DefaultEvidenceSQLitePath    = "data/evidence.db"
	DefaultEvidenceAsyncBuffer   = 1000
	DefaultEvidenceWriteTimeout  = 5 * time.Second
	DefaultEvidenceRetentionDays = 365
	DefaultEvidencePruneSchedule = "0 3 * * *"

	// Telemetry defaults
	DefaultLoggingLevel         = "info"
	DefaultLoggingFormat        = "json"
	DefaultMetricsEnabled       = true
	DefaultMetricsListenAddress = "127.0.0.1:9464"
	DefaultMetricsPath          = "/metrics"
	DefaultMetricsNamespace     = "spendguard"
	DefaultTracingEndpoint      = "localhost:4317"
	DefaultTracingSampleRatio   = 1.0
	DefaultTracingServiceName   = "spendguard"
	DefaultTLSMinVersion        = "1.3"
	DefaultTLSReloadInterval    = 5 * time.Minute
)

// Default returns a Config with every default applied, including the
// boolean switches that ApplyDefaults cannot tell apart from an explicit
// false.
func Default() *Config {
	cfg := &Config{}
	cfg.Evidence.Enabled = DefaultEvidenceEnabled
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. It is idempotent.
func ApplyDefaults(cfg *Config) {
	// Pricing defaults
	if cfg.Pricing.Source == "" {
		cfg.Pricing.Source = DefaultPricingSource
	}
	if cfg.Pricing.Source == "file" && cfg.Pricing.Path == "" {
		cfg.Pricing.Path = DefaultPricingPath
	}
	if cfg.Pricing.ExpectedSchema == 0 {
		cfg.Pricing.ExpectedSchema = DefaultPricingSchema
	}
	if cfg.Pricing.FetchTimeout == 0 {
		cfg.Pricing.FetchTimeout = DefaultPricingFetchTimeout
	}
	if cfg.Pricing.MaxAttempts == 0 {
		cfg.Pricing.MaxAttempts = DefaultPricingMaxAttempts
	}

	// Ledger defaults
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = DefaultLedgerBackend
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = DefaultLedgerSQLitePath
	}
	if cfg.Ledger.SQLite.BusyTimeout == 0 {
		cfg.Ledger.SQLite.BusyTimeout = DefaultLedgerBusyTimeout
	}
	if cfg.Ledger.SQLite.CheckpointInterval == 0 {
		cfg.Ledger.SQLite.CheckpointInterval = DefaultLedgerCheckpointInterval
	}
	if cfg.Ledger.Redis.Addr == "" {
		cfg.Ledger.Redis.Addr = DefaultLedgerRedisAddr
	}
	if cfg.Ledger.Redis.KeyPrefix == "" {
		cfg.Ledger.Redis.KeyPrefix = DefaultLedgerRedisKeyPrefix
	}
	if cfg.Ledger.Redis.MaxTxRetries == 0 {
		cfg.Ledger.Redis.MaxTxRetries = DefaultLedgerRedisMaxTxRetries
	}
	if cfg.Ledger.LeaseTTL == 0 {
		cfg.Ledger.LeaseTTL = DefaultLedgerLeaseTTL
	}
	if cfg.Ledger.ReservePolicy == "" {
		cfg.Ledger.ReservePolicy = DefaultLedgerReservePolicy
	}
	if cfg.Ledger.ReserveWait == 0 {
		cfg.Ledger.ReserveWait = DefaultLedgerReserveWait
	}
	if cfg.Ledger.SweepSchedule == "" {
		cfg.Ledger.SweepSchedule = DefaultLedgerSweepSchedule
	}

	// Preflight defaults
	if cfg.Preflight.MinOutputTokens == 0 {
		cfg.Preflight.MinOutputTokens = DefaultPreflightMinOutputTokens
	}
	if cfg.Preflight.DefaultMaxOutputTokens == 0 {
		cfg.Preflight.DefaultMaxOutputTokens = DefaultPreflightDefaultMaxOutputTokens
	}

	// Token defaults
	if cfg.Tokens.CharsPerToken == 0 {
		cfg.Tokens.CharsPerToken = DefaultTokensCharsPerToken
	}
	if cfg.Tokens.MessageOverhead == 0 {
		cfg.Tokens.MessageOverhead = DefaultTokensMessageOverhead
	}

	// Evidence defaults
	if cfg.Evidence.Backend == "" {
		cfg.Evidence.Backend = DefaultEvidenceBackend
	}
	if cfg.Evidence.SQLitePath == "" {
		cfg.Evidence.SQLitePath = DefaultEvidenceSQLitePath
	}
	if cfg.Evidence.AsyncBuffer == 0 {
		cfg.Evidence.AsyncBuffer = DefaultEvidenceAsyncBuffer
	}
	if cfg.Evidence.WriteTimeout == 0 {
		cfg.Evidence.WriteTimeout = DefaultEvidenceWriteTimeout
	}
	if cfg.Evidence.RetentionDays == 0 {
		cfg.Evidence.RetentionDays = DefaultEvidenceRetentionDays
	}
	if cfg.Evidence.PruneSchedule == "" {
		cfg.Evidence.PruneSchedule = DefaultEvidencePruneSchedule
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Tracing.Endpoint == "" {
		cfg.Telemetry.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Telemetry.Tracing.SampleRatio == 0 {
		cfg.Telemetry.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingServiceName
	}
	applyTLSDefaults(&cfg.Telemetry.Metrics.TLS)
	applyTLSDefaults(&cfg.Pricing.TLS)
}

func applyTLSDefaults(cfg *TLSConfig) {
	if cfg.MinVersion == "" {
		cfg.MinVersion = DefaultTLSMinVersion
	}
	if cfg.ReloadInterval == 0 {
		cfg.ReloadInterval = DefaultTLSReloadInterval
	}
}
