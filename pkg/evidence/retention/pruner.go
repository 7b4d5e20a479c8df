package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/export"
)

// Config configures a Pruner.
type Config struct {
	// RetentionDays is how long records are kept. Zero keeps them forever.
	RetentionDays int

	// PruneSchedule is a standard cron expression. Empty disables the
	// scheduler; Prune can still be called directly.
	PruneSchedule string

	// ArchivePath receives a JSON export of records before they are
	// deleted. Empty disables archiving.
	ArchivePath string

	// MaxRecords caps the record count. Zero means unlimited.
	MaxRecords int64
}

// ConfigFromEvidence maps evidence configuration to a retention Config.
func ConfigFromEvidence(cfg *config.EvidenceConfig) *Config {
	return &Config{
		RetentionDays: cfg.RetentionDays,
		PruneSchedule: cfg.PruneSchedule,
		ArchivePath:   cfg.ArchivePath,
		MaxRecords:    cfg.MaxRecords,
	}
}

// Pruner enforces retention on an evidence store.
type Pruner struct {
	storage   evidence.Storage
	config    Config
	logger    *slog.Logger
	scheduler *Scheduler
	now       func() time.Time
}

// NewPruner creates a pruner. A nil config keeps everything.
func NewPruner(storage evidence.Storage, cfg *Config) *Pruner {
	p := &Pruner{
		storage: storage,
		logger:  slog.Default().With("component", "evidence.retention"),
		now:     time.Now,
	}
	if cfg != nil {
		p.config = *cfg
	}
	p.scheduler = NewScheduler(p)
	return p
}

// Prune runs both retention phases and returns how many records it deleted.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if p.config.RetentionDays > 0 {
		n, err := p.pruneByAge(ctx)
		if err != nil {
			return total, fmt.Errorf("prune by age: %w", err)
		}
		total += n
	}

	if p.config.MaxRecords > 0 {
		n, err := p.pruneByCount(ctx)
		if err != nil {
			return total, fmt.Errorf("prune by count: %w", err)
		}
		total += n
	}

	if total > 0 {
		p.logger.Info("Evidence pruned",
			"deleted", total,
			"retention_days", p.config.RetentionDays,
			"max_records", p.config.MaxRecords,
		)
	}
	return total, nil
}

func (p *Pruner) pruneByAge(ctx context.Context) (int64, error) {
	cutoff := p.now().AddDate(0, 0, -p.config.RetentionDays)
	q := &evidence.Query{EndTime: &cutoff}

	if p.config.ArchivePath != "" {
		records, err := p.storage.Query(ctx, &evidence.Query{EndTime: &cutoff, SortOrder: "asc"})
		if err != nil {
			return 0, err
		}
		if err := p.archive(ctx, records, "age"); err != nil {
			return 0, err
		}
	}
	return p.storage.Delete(ctx, q)
}

func (p *Pruner) pruneByCount(ctx context.Context) (int64, error) {
	count, err := p.storage.Count(ctx, nil)
	if err != nil {
		return 0, err
	}
	excess := count - p.config.MaxRecords
	if excess <= 0 {
		return 0, nil
	}

	oldest, err := p.storage.Query(ctx, &evidence.Query{
		SortBy:    "occurred_at",
		SortOrder: "asc",
		Limit:     int(excess),
	})
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	if p.config.ArchivePath != "" {
		if err := p.archive(ctx, oldest, "count"); err != nil {
			return 0, err
		}
	}

	// Records sharing the cutoff timestamp go together.
	cutoff := oldest[len(oldest)-1].OccurredAt
	return p.storage.Delete(ctx, &evidence.Query{EndTime: &cutoff})
}

func (p *Pruner) archive(ctx context.Context, records []*evidence.Record, phase string) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(p.config.ArchivePath, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	name := fmt.Sprintf("evidence-%s-%s.json", phase, p.now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(p.config.ArchivePath, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	if err := export.NewJSONExporter(true).Export(ctx, records, f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive file: %w", err)
	}

	p.logger.Info("Evidence archived", "path", path, "records", len(records))
	return nil
}

// Start runs the pruner on its schedule until ctx is done or Stop is called.
func (p *Pruner) Start(ctx context.Context) error {
	return p.scheduler.Start(ctx)
}

// Stop stops the schedule and waits for a running prune.
func (p *Pruner) Stop() {
	p.scheduler.Stop()
}

// NextPruning returns the next scheduled run, or nil when unscheduled.
func (p *Pruner) NextPruning() *time.Time {
	return p.scheduler.NextRun()
}
