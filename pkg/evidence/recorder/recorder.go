package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// Config configures a Recorder.
type Config struct {
	// Enabled turns recording on. A disabled recorder accepts and drops
	// every record.
	Enabled bool

	// AsyncBuffer is the queue capacity.
	// Default: 1000
	AsyncBuffer int

	// WriteTimeout bounds both waiting for queue space and a single storage
	// write.
	// Default: 5s
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// ConfigFromEvidence maps evidence configuration to a recorder Config.
func ConfigFromEvidence(cfg *config.EvidenceConfig) *Config {
	return &Config{
		Enabled:      cfg.Enabled,
		AsyncBuffer:  cfg.AsyncBuffer,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Recorder is an asynchronous evidence.Sink backed by a Storage.
type Recorder struct {
	storage evidence.Storage
	config  Config
	logger  *slog.Logger

	records chan *evidence.Record
	done    chan struct{}
	wg      sync.WaitGroup

	// mu guards closed; Emit holds it shared while enqueueing so Close never
	// strands a record in the queue after the worker exits.
	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

var _ evidence.Sink = (*Recorder)(nil)

// New starts a recorder writing to storage.
func New(storage evidence.Storage, c *Config) *Recorder {
	cfg := Config{Enabled: true}
	if c != nil {
		cfg = *c
	}
	if cfg.AsyncBuffer <= 0 {
		cfg.AsyncBuffer = config.DefaultEvidenceAsyncBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultEvidenceWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		storage: storage,
		config:  cfg,
		logger:  logger.With("component", "evidence.recorder"),
		records: make(chan *evidence.Record, cfg.AsyncBuffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	r.wg.Add(1)
	go r.worker()

	r.logger.Info("Evidence recorder started",
		"enabled", cfg.Enabled,
		"async_buffer", cfg.AsyncBuffer,
		"write_timeout", cfg.WriteTimeout,
	)
	return r
}

// Emit enqueues record for writing. It only blocks while the queue is full,
// for at most WriteTimeout.
func (r *Recorder) Emit(ctx context.Context, record *evidence.Record) error {
	if !r.config.Enabled || record == nil {
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.config.Metrics.RecordEvidenceFailure()
		return &evidence.RecordError{RecordID: record.ID, RunID: record.RunID, Err: evidence.ErrRecorderClosed}
	}

	timer := time.NewTimer(r.config.WriteTimeout)
	defer timer.Stop()

	select {
	case r.records <- record:
		r.logger.Debug("Evidence record enqueued",
			"record_id", record.ID,
			"run_id", record.RunID,
			"kind", record.Kind,
		)
		return nil
	case <-timer.C:
		r.config.Metrics.RecordEvidenceFailure()
		r.logger.Error("Evidence queue full, dropping record",
			"record_id", record.ID,
			"run_id", record.RunID,
			"capacity", r.config.AsyncBuffer,
		)
		return &evidence.RecordError{RecordID: record.ID, RunID: record.RunID, Err: evidence.ErrQueueFull}
	case <-ctx.Done():
		r.config.Metrics.RecordEvidenceFailure()
		return &evidence.RecordError{RecordID: record.ID, RunID: record.RunID, Err: ctx.Err()}
	}
}

// Pending returns the number of queued records.
func (r *Recorder) Pending() int {
	return len(r.records)
}

// Close stops accepting records, writes everything already queued and
// waits for the worker to exit. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Evidence recorder stopped")
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case record := <-r.records:
			r.write(record)
		case <-r.done:
			for {
				select {
				case record := <-r.records:
					r.write(record)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(record *evidence.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := r.now()
	record.RecordedTime = start
	if err := r.storage.Store(ctx, record); err != nil {
		r.config.Metrics.RecordEvidenceFailure()
		r.logger.Error("Failed to store evidence record",
			"record_id", record.ID,
			"run_id", record.RunID,
			"kind", record.Kind,
			"error", err,
		)
		return
	}

	if d := time.Since(start); d > r.config.WriteTimeout/2 {
		r.logger.Warn("Slow evidence write",
			"record_id", record.ID,
			"duration_ms", d.Milliseconds(),
		)
	}
}
