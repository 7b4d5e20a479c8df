package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Refresher refreshes a registry on a cron schedule. It is used for remote
// sources, whose tables can change without any local signal.
type Refresher struct {
	registry *Registry
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRefresher validates schedule and prepares a refresher. Each refresh is
// bounded by timeout (default 1m).
func NewRefresher(registry *Registry, schedule string, timeout time.Duration, logger *slog.Logger) (*Refresher, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		registry: registry,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  timeout,
		logger:   logger.With("component", "pricing.refresher"),
	}, nil
}

// Start schedules refreshes. It does not run one immediately.
func (r *Refresher) Start() error {
	_, err := r.cron.AddFunc(r.schedule, r.run)
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	r.cron.Start()
	r.logger.Info("Price table refresher started", "schedule", r.schedule)
	return nil
}

// Stop stops the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	// Failures are logged by the registry and the last table stays live.
	_ = r.registry.Refresh(ctx)
}
