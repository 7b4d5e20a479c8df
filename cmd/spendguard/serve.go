package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cynsta/spendguard/pkg/cli"
	"cynsta/spendguard/pkg/evidence/retention"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
	sgtls "cynsta/spendguard/pkg/security/tls"
	"cynsta/spendguard/pkg/telemetry/health"
)

var serveFlags struct {
	listen          string
	shutdownTimeout time.Duration
	dryRun          bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background maintenance services",
	Long: `Run the services an enforcing deployment needs next to the engine:

  - price table refresh on pricing.refresh_schedule
  - price table hot reload when pricing.watch is set
  - lease sweeping on ledger.sweep_schedule
  - evidence retention on evidence.prune_schedule
  - /metrics, /healthz, /readyz and /version on telemetry.metrics.listen_address,
    over HTTPS when telemetry.metrics.tls.enabled is set

The process keeps running when the first price load fails; /readyz reports
not ready until a verified table is live.

Examples:
  # Start with the default config file
  spendguard serve

  # Validate configuration and stores without starting
  spendguard serve --dry-run`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override telemetry listen address")
	serveCmd.Flags().DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config and stores without starting")
}

// services is everything serve starts, in start order.
type services struct {
	prices    *pricing.Registry
	refresher *pricing.Refresher
	watcher   *pricing.Watcher
	sweeper   *ledger.Sweeper
	pruner    *retention.Pruner
	checker   *health.Checker
	handler   http.Handler
	logger    *slog.Logger
}

// startServices opens the stores and starts every scheduled job. The
// returned services must be stopped even when ctx is cancelled.
func startServices(ctx context.Context, a *app) (*services, error) {
	s := &services{logger: a.logger}
	cfg := a.cfg

	l, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.sink(); err != nil {
		return nil, err
	}

	src, err := pricing.NewSource(&cfg.Pricing, a.logger)
	if err != nil {
		return nil, cli.NewConfigError("pricing", err.Error())
	}
	s.prices = pricing.NewRegistry(src, pricing.RegistryOptions{
		StaleAfter: cfg.Pricing.StaleAfter,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err := s.prices.Refresh(ctx); err != nil {
		a.logger.Warn("Initial price table load failed; calls are refused until a table verifies", "error", err)
	}

	if cfg.Pricing.RefreshSchedule != "" {
		s.refresher, err = pricing.NewRefresher(s.prices, cfg.Pricing.RefreshSchedule, cfg.Pricing.FetchTimeout*time.Duration(cfg.Pricing.MaxAttempts), a.logger)
		if err != nil {
			s.stop()
			return nil, err
		}
		if err := s.refresher.Start(); err != nil {
			s.stop()
			return nil, err
		}
	}

	if cfg.Pricing.Watch {
		s.watcher, err = pricing.NewWatcher(s.prices, cfg.Pricing.Path, 0, a.logger)
		if err != nil {
			s.stop()
			return nil, err
		}
	}

	if cfg.Ledger.SweepSchedule != "" {
		s.sweeper, err = ledger.NewSweeper(l, cfg.Ledger.SweepSchedule)
		if err != nil {
			s.stop()
			return nil, err
		}
		if err := s.sweeper.Start(); err != nil {
			s.stop()
			return nil, err
		}
	}

	if a.evidence != nil && cfg.Evidence.PruneSchedule != "" {
		s.pruner = retention.NewPruner(a.evidence, retention.ConfigFromEvidence(&cfg.Evidence))
		if err := s.pruner.Start(ctx); err != nil {
			a.logger.Warn("Failed to start evidence retention", "error", err)
			s.pruner = nil
		} else if next := s.pruner.NextPruning(); next != nil {
			a.logger.Debug("Evidence retention scheduled", "next_pruning", next)
		}
	}

	s.checker = health.New(2 * time.Second)
	s.checker.Register("pricing", health.PricingCheck(s.prices))
	s.checker.Register("ledger", health.LedgerCheck(a.store))
	if a.recorder != nil {
		s.checker.Register("evidence", health.QueueCheck(a.recorder.Pending, cfg.Evidence.AsyncBuffer*9/10))
	}

	mux := http.NewServeMux()
	health.Mount(mux, s.checker, currentVersion())
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle(cfg.Telemetry.Metrics.Path, a.metrics.Handler())
	}
	s.handler = mux

	return s, nil
}

// stop halts the scheduled jobs. Stores are closed by the app.
func (s *services) stop() {
	if s.refresher != nil {
		s.refresher.Stop()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("Failed to stop price table watcher", "error", err)
		}
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.pruner != nil {
		s.pruner.Stop()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if serveFlags.listen != "" {
		cfg.Telemetry.Metrics.ListenAddress = serveFlags.listen
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	svc, err := startServices(ctx, a)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer svc.stop()

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	if serveFlags.dryRun {
		report := svc.checker.Ready(ctx)
		if !report.Ready() {
			_ = p.Object(report.Checks)
			return cli.NewCommandError("serve", errors.New("not ready"))
		}
		p.Message("✓ Configuration valid")
		return nil
	}

	ln, err := net.Listen("tcp", cfg.Telemetry.Metrics.ListenAddress)
	if err != nil {
		return cli.NewCommandError("serve", fmt.Errorf("failed to listen on %s: %w", cfg.Telemetry.Metrics.ListenAddress, err))
	}
	srv := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheme := "http"
	if tc := &cfg.Telemetry.Metrics.TLS; tc.Enabled {
		reloader := sgtls.NewCertificateReloader(tc.CertFile, tc.KeyFile, tc.ReloadInterval, a.logger)
		if err := reloader.Start(ctx); err != nil {
			ln.Close()
			return cli.NewConfigError("telemetry.metrics.tls", err.Error())
		}
		srv.TLSConfig, err = sgtls.ServerConfig(tc, reloader)
		if err != nil {
			ln.Close()
			return cli.NewConfigError("telemetry.metrics.tls", err.Error())
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
		scheme = "https"
	}

	p.Message("SpendGuard %s", Version)
	p.Message("✓ Ledger backend: %s", cfg.Ledger.Backend)
	p.Message("✓ Pricing source: %s", svc.prices.Source().Name())
	p.Message("✓ Health endpoint: %s://%s%s", scheme, ln.Addr(), health.ReadyPath)
	if cfg.Telemetry.Metrics.Enabled {
		p.Message("✓ Metrics endpoint: %s://%s%s", scheme, ln.Addr(), cfg.Telemetry.Metrics.Path)
	}
	p.Message("\nPress Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("telemetry server: %w", err)
		}
		return nil
	})
	if svc.watcher != nil {
		g.Go(func() error {
			return svc.watcher.Watch(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveFlags.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("serve", err)
	}
	p.Message("✓ Stopped")
	return nil
}
