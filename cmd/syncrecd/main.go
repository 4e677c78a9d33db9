// syncrecd is the coordinator daemon: it accepts device connections on
// the device port and exposes the control API and prometheus metrics on
// the control port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juanpablocruz/syncrec/internal/config"
	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/coordinator"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/health"
	"github.com/juanpablocruz/syncrec/pkg/metrics"
	"github.com/juanpablocruz/syncrec/pkg/registry"
	"github.com/juanpablocruz/syncrec/pkg/router"
	"github.com/juanpablocruz/syncrec/pkg/session"
	"github.com/juanpablocruz/syncrec/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New(1024)
	met := metrics.New()
	promReg := prometheus.NewRegistry()
	if err := met.Register(promReg); err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}

	reg := registry.New(registry.Config{
		MaxDevices: cfg.MaxDevices,
		Session: session.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		Bus:     bus,
		Metrics: met,
		Probe: clock.Prober{
			Count:   cfg.ProbeCount,
			Timeout: cfg.ProbeTimeout,
		},
	})
	rtr := router.New(reg, bus)
	coord := coordinator.New(reg, rtr, bus, nil, met, coordinator.Defaults{
		Countdown:      cfg.Countdown,
		StopTimeout:    cfg.StopTimeout,
		MaxUncertainty: cfg.MaxUncertainty,
		ProbeCount:     cfg.ProbeCount,
		ProbeTimeout:   cfg.ProbeTimeout,
	})

	mon := health.New(reg, health.Config{
		Interval:         cfg.SweepInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DegradedGrace:    cfg.DegradedGrace,
		Bus:              bus,
		OnDisconnect:     coord.OnDeviceDisconnect,
	})
	go mon.Run(ctx)
	go probeLoop(ctx, reg, cfg)

	listener, err := transport.Listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	slog.Info("device_listener_up", "addr", listener.Addr())
	go func() {
		if err := reg.Serve(ctx, listener); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("accept_loop", "err", err)
			cancel()
		}
	}()

	api := &controlAPI{coord: coord, bus: bus}
	mux := http.NewServeMux()
	api.routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Control, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	slog.Info("control_api_up", "addr", cfg.Control)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("shutdown")
	return nil
}

// probeLoop refreshes each Ready device's clock estimate on a fixed
// cadence; session start still does its own refresh before quorum.
func probeLoop(ctx context.Context, reg *registry.Registry, cfg config.Config) {
	t := time.NewTicker(cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range reg.ListReady() {
				go s.RefreshEstimate(ctx, clock.Prober{
					Count:   cfg.ProbeCount,
					Timeout: cfg.ProbeTimeout,
				})
			}
		}
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
