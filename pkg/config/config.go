package config

import "time"

// Config is the root configuration for the SpendGuard engine.
type Config struct {
	// Pricing configures where the price table comes from and how it refreshes.
	Pricing PricingConfig `yaml:"pricing"`

	// Ledger configures budget storage and reservation behaviour.
	Ledger LedgerConfig `yaml:"ledger"`

	// Preflight configures engine-wide estimator defaults.
	Preflight PreflightConfig `yaml:"preflight"`

	// Tokens configures input token estimation.
	Tokens TokensConfig `yaml:"tokens"`

	// Evidence configures the optional audit sink.
	Evidence EvidenceConfig `yaml:"evidence"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PricingConfig configures the price registry.
type PricingConfig struct {
	// Source selects the table source.
	// Options: "file", "remote"
	// Default: "file"
	Source string `yaml:"source"`

	// Path is the local table file (YAML or JSON). With PublicKeyPath set the
	// file must be a signed envelope.
	Path string `yaml:"path"`

	// URL is the remote signed table endpoint (http or https).
	URL string `yaml:"url"`

	// PublicKeyPath is the PEM Ed25519 key used to verify signed tables.
	// Required for remote sources.
	PublicKeyPath string `yaml:"public_key_path"`

	// ExpectedSchema is the table schema version this engine understands.
	// Default: 1
	ExpectedSchema int `yaml:"expected_schema"`

	// FetchTimeout bounds a single remote fetch attempt.
	// Default: 10s
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxAttempts bounds remote fetch retries for transient failures.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// RefreshSchedule is a cron expression for periodic refresh. Empty
	// disables scheduled refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`

	// StaleAfter makes the registry report pricing unavailable once the last
	// successful load is older than this. Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`

	// Watch reloads a file source when it changes on disk.
	Watch bool `yaml:"watch"`

	// TLS configures the client side of remote fetches. CAFile trusts a
	// private CA; CertFile and KeyFile present a client certificate.
	TLS TLSConfig `yaml:"tls"`
}

// LedgerConfig configures the reservation ledger.
type LedgerConfig struct {
	// Backend selects the storage backend.
	// Options: "memory", "sqlite", "redis"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains settings for the sqlite backend.
	SQLite LedgerSQLiteConfig `yaml:"sqlite"`

	// Redis contains settings for the redis backend.
	Redis LedgerRedisConfig `yaml:"redis"`

	// LeaseTTL is how long a reservation may stay active before the sweeper
	// treats it as stranded.
	// Default: 15m
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// ReservePolicy decides what happens when the agent already has an
	// active run.
	// Options: "fail_fast", "wait"
	// Default: "fail_fast"
	ReservePolicy string `yaml:"reserve_policy"`

	// ReserveWait bounds how long the "wait" policy waits for the active run
	// to finish.
	// Default: 5s
	ReserveWait time.Duration `yaml:"reserve_wait"`

	// SweepSchedule is the cron expression for the lease sweeper. Empty
	// disables the sweeper.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LedgerSQLiteConfig configures the sqlite ledger store.
type LedgerSQLiteConfig struct {
	// Path is the database file.
	// Default: "data/ledger.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// LedgerRedisConfig configures the redis ledger store.
type LedgerRedisConfig struct {
	// Addr is the redis host:port.
	// Default: "127.0.0.1:6379"
	Addr string `yaml:"addr"`

	// Password for AUTH, if any.
	Password string `yaml:"password"`

	// DB selects the logical database.
	DB int `yaml:"db"`

	// KeyPrefix namespaces all ledger keys.
	// Default: "spendguard:"
	KeyPrefix string `yaml:"key_prefix"`

	// MaxTxRetries bounds optimistic transaction retries on contention.
	// Default: 16
	MaxTxRetries int `yaml:"max_tx_retries"`
}

// PreflightConfig configures engine-wide estimator defaults. Per-model values
// in the price table take precedence.
type PreflightConfig struct {
	// MinOutputTokens is the minimum viable output allowance.
	// Default: 16
	MinOutputTokens int64 `yaml:"min_output_tokens"`

	// DefaultMaxOutputTokens is assumed when neither the request nor the
	// price table caps output.
	// Default: 4096
	DefaultMaxOutputTokens int64 `yaml:"default_max_output_tokens"`
}

// TokensConfig configures the character-based input token estimator.
type TokensConfig struct {
	// CharsPerToken is the default characters-per-token ratio. Lower is more
	// conservative.
	// Default: 3.5
	CharsPerToken float64 `yaml:"chars_per_token"`

	// MessageOverhead is the token overhead charged per message.
	// Default: 4
	MessageOverhead int `yaml:"message_overhead"`

	// Models overrides CharsPerToken for model name prefixes.
	Models map[string]float64 `yaml:"models"`
}

// EvidenceConfig configures the evidence sink.
type EvidenceConfig struct {
	// Enabled controls whether settlements are recorded.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Backend selects the evidence storage.
	// Options: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLitePath is the evidence database file.
	// Default: "data/evidence.db"
	SQLitePath string `yaml:"sqlite_path"`

	// AsyncBuffer is the recorder queue size.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// WriteTimeout bounds a single enqueue or write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RetentionDays is how long records are kept. Zero keeps forever.
	// Default: 365
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron expression for retention pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`

	// MaxRecords caps the number of stored records; the oldest go first.
	// Zero means unlimited.
	MaxRecords int64 `yaml:"max_records"`

	// ArchivePath, when set, receives a JSON export of records before
	// retention deletes them.
	ArchivePath string `yaml:"archive_path"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves the Prometheus endpoint when running as a daemon.
	// Default: "127.0.0.1:9464"
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "spendguard"
	Namespace string `yaml:"namespace"`

	// TLS serves the telemetry endpoints over HTTPS when Enabled. CAFile
	// turns on client certificate verification for scrapers.
	TLS TLSConfig `yaml:"tls"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of traces sampled (0.0 - 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is reported as the OTel service.name resource.
	// Default: "spendguard"
	ServiceName string `yaml:"service_name"`
}

// TLSConfig is shared by the telemetry listener and the remote price
// source client.
type TLSConfig struct {
	// Enabled turns TLS on for a listener. Clients ignore it and use TLS
	// whenever the URL scheme is https.
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are the PEM certificate and key.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile is a PEM bundle: server roots for a client, client roots for a
	// listener.
	CAFile string `yaml:"ca_file"`

	// MinVersion is "1.2" or "1.3".
	// Default: "1.3"
	MinVersion string `yaml:"min_version"`

	// ReloadInterval is how often a listener checks its certificate files
	// for renewal.
	// Default: 5m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}
