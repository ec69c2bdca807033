package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/cron"
	"github.com/basket/go-analyst/internal/gateway"
	"github.com/basket/go-analyst/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	limiterEvictAge = 10 * time.Minute
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket gateway with metrics and retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides gateway.bind_addr)")
	return cmd
}

func runServe(ctx context.Context, opts *globalOptions, bind string) error {
	a, err := newApp(ctx, opts, false)
	if err != nil {
		return err
	}
	defer a.closeWithTimeout(shutdownTimeout)
	cfg := a.cfg
	logger := a.logger

	if bind == "" {
		bind = cfg.Gateway.BindAddr
	}
	metrics := gateway.NewMetrics(a.bus)
	srv := gateway.New(gateway.Config{
		Analyst:           a.orch,
		Store:             a.store,
		Schema:            a.warehouse,
		Bus:               a.bus,
		Metrics:           metrics,
		Logger:            telemetry.Component(logger, "gateway"),
		AuthToken:         cfg.Gateway.AuthToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		RateLimitRPS:      cfg.Gateway.RateLimitRPS,
		RateBurst:         cfg.Gateway.RateBurst,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("listen %s: address already in use; stop the other process or change gateway.bind_addr", bind)
		}
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:         a.store,
		Schedule:      cfg.Store.PurgeSchedule,
		RetentionDays: cfg.Store.RetentionDays,
		Logger:        telemetry.Component(logger, "retention"),
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("retention schedule %q: %w", cfg.Store.PurgeSchedule, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	srv.Limiter().StartEviction(gctx, time.Minute, limiterEvictAge)
	g.Go(func() error {
		metrics.Consume(gctx, a.bus)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		w := config.NewWatcher(cfg.HomeDir, telemetry.Component(logger, "config"))
		if err := w.Start(gctx); err != nil {
			logger.Warn("config watcher unavailable; policy reload disabled", "error", err)
			return nil
		}
		config.WatchPolicy(gctx, w, func(p config.PolicyConfig) {
			a.orch.SetPolicy(coordinator.PolicyFromConfig(p))
		})
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "next_retention", sched.NextRun())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		if err := a.orch.Close(shutdownCtx); err != nil {
			logger.Warn("drain in-flight tasks", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
