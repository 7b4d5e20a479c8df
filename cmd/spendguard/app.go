package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/evidence"
	"cynsta/spendguard/pkg/evidence/recorder"
	evstorage "cynsta/spendguard/pkg/evidence/storage"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/ledger/storage"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/telemetry/logging"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// app holds the components a command needs. Components are opened lazily
// so read-only commands never touch stores they do not use.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	store  ledger.Store
	ledger *ledger.Ledger

	evidence evidence.Storage
	recorder *recorder.Recorder

	closers []func() error
}

// newApp loads configuration and sets up logging and metrics.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(&cfg.Telemetry.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry()),
	}, nil
}

// openLedger connects the configured ledger backend.
func (a *app) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}

	store, err := storage.New(ctx, &a.cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	opts := ledger.OptionsFromConfig(&a.cfg.Ledger)
	opts.Logger = a.logger
	opts.Metrics = a.metrics
	a.store = store
	a.ledger = ledger.New(store, opts)
	return a.ledger, nil
}

// openEvidence opens the evidence store. It returns nil when evidence is
// disabled.
func (a *app) openEvidence() (evidence.Storage, error) {
	if a.evidence != nil || !a.cfg.Evidence.Enabled {
		return a.evidence, nil
	}
	st, err := evstorage.New(&a.cfg.Evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence store: %w", err)
	}
	a.closers = append(a.closers, st.Close)
	a.evidence = st
	return st, nil
}

// sink returns the asynchronous evidence recorder, or a discarding sink
// when evidence is disabled.
func (a *app) sink() (evidence.Sink, error) {
	if a.recorder != nil {
		return a.recorder, nil
	}
	st, err := a.openEvidence()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return evidence.Discard, nil
	}

	rc := recorder.ConfigFromEvidence(&a.cfg.Evidence)
	rc.Logger = a.logger
	rc.Metrics = a.metrics
	a.recorder = recorder.New(st, rc)
	// The recorder must drain before its storage closes.
	a.closers = append(a.closers, a.recorder.Close)
	return a.recorder, nil
}

// openPrices builds the configured price source and loads a verified table.
func (a *app) openPrices(ctx context.Context) (*pricing.Registry, error) {
	src, err := pricing.NewSource(&a.cfg.Pricing, a.logger)
	if err != nil {
		return nil, err
	}
	reg := pricing.NewRegistry(src, pricing.RegistryOptions{
		StaleAfter: a.cfg.Pricing.StaleAfter,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err := reg.Refresh(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}

// Close releases everything the app opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
