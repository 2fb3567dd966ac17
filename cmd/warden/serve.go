package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/warden/internal/gateway"
	"github.com/jkaninda/warden/internal/gateway/httpapi"
	"github.com/jkaninda/warden/internal/gateway/ws"
	"github.com/jkaninda/warden/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override the listen address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	cfg, logger := sc.Config, sc.Logger

	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("no API keys configured; every authenticated route will answer 401")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Maintenance jobs.
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *scheduler.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			schedMetrics = scheduler.NewMetrics(m.Registry)
		}
		sched, err := scheduler.FromConfig(cfg.Scheduler, sc.Cache, sc.Sessions, schedMetrics, logger)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Debug("scheduler started", slog.Any("jobs", sched.Jobs()))
	}

	auth := sc.newAuthenticator()
	wsServer := ws.NewServer(sc.Sessions, auth, sc.Limiter, logger).
		WithPingInterval(cfg.Server.WSPingInterval())

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		HealthChecker:  sc.Health,
		Metrics:        sc.Obs.MetricsOrNil(),
		Tracer:         sc.Obs.TracerOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	httpGW := httpapi.NewGateway(httpCfg, sc.Responder, sc.Sessions, auth, sc.Limiter, logger).
		WithApprovals(sc.Approvals).
		WithTools(sc.Registry).
		WithAudit(sc.Audit).
		WithHandler("/v1/ws", wsServer.Handler())

	return runGateways(ctx, sc, httpGW)
}

// runGateways starts every gateway and stops them all once ctx is done or
// any of them exits.
func runGateways(ctx context.Context, sc *SharedComponents, gateways ...gateway.Gateway) error {
	logger := sc.Logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for _, gw := range gateways {
		g.Go(func() error {
			defer cancel()
			if err := gw.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.Config.Server.ShutdownTimeout())
		defer cancel()
		for i := len(gateways) - 1; i >= 0; i-- {
			if err := gateways[i].Stop(shutdownCtx); err != nil {
				logger.Error("stopping gateway", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	return g.Wait()
}
