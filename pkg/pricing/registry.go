package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"cynsta/spendguard/pkg/telemetry/metrics"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// StaleAfter makes Current fail once the last successful load is older
	// than this. Zero disables the check.
	StaleAfter time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry serves the current verified price table. Readers get an immutable
// snapshot; Refresh swaps in a new table only when it fully verifies.
type Registry struct {
	source  Source
	opts    RegistryOptions
	logger  *slog.Logger
	current atomic.Pointer[Table]
	group   singleflight.Group
}

// NewRegistry creates a registry over source. It holds no table until the
// first successful Refresh.
func NewRegistry(source Source, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		source: source,
		opts:   opts,
		logger: logger.With("component", "pricing.registry"),
	}
}

// NewStaticRegistry returns a registry permanently serving t. Used by tests
// and tools that price against a table already in memory.
func NewStaticRegistry(t *Table) *Registry {
	r := NewRegistry(nil, RegistryOptions{})
	if t.LoadedAt.IsZero() {
		t.LoadedAt = time.Now()
	}
	r.current.Store(t)
	return r
}

// Current returns the current table. It fails with ErrPricingUnavailable
// before the first successful load and, when StaleAfter is set, once the
// table has gone stale.
func (r *Registry) Current() (*Table, error) {
	t := r.current.Load()
	if t == nil {
		return nil, fmt.Errorf("%w: no verified price table loaded", ErrPricingUnavailable)
	}
	if r.opts.StaleAfter > 0 {
		if age := r.opts.Now().Sub(t.LoadedAt); age > r.opts.StaleAfter {
			return nil, fmt.Errorf("%w: price table %s is stale (loaded %s ago)",
				ErrPricingUnavailable, t.Version, age.Truncate(time.Second))
		}
	}
	return t, nil
}

// Refresh loads the table from the source and installs it. Concurrent calls
// share one load. On failure the previous table stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}

	_, err, _ := r.group.Do("refresh", func() (any, error) {
		t, err := r.source.Load(ctx)
		if err != nil {
			r.logger.Error("Price table load failed",
				"source", r.source.Name(),
				"error", err,
			)
			r.opts.Metrics.RecordPricingLoad(r.source.Name(), "", false)
			return nil, err
		}

		t.LoadedAt = r.opts.Now()
		prev := r.current.Swap(t)

		attrs := []any{
			"source", t.Source,
			"version", t.Version,
			"schema_version", t.SchemaVersion,
			"models", len(t.Models),
			"signed", t.Signature != nil,
		}
		if prev != nil {
			attrs = append(attrs, "previous_version", prev.Version)
		}
		r.logger.Info("Price table loaded", attrs...)
		r.opts.Metrics.RecordPricingLoad(r.source.Name(), t.Version, true)

		return t, nil
	})
	return err
}

// Source returns the underlying source.
func (r *Registry) Source() Source {
	return r.source
}
