package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/channels"
	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/health"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/orchestrator"
	"github.com/dotsetgreg/priya/pkg/scheduler"
)

const shutdownGrace = 10 * time.Second

func runGateway(ctx context.Context, out io.Writer, cfg *config.Config) error {
	if cfg.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required for the gateway")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := orchestrator.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Providers ready: %d\n", app.Registry.Len())

	msgBus := bus.NewMessageBus(bus.DefaultCapacity)
	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("create channel manager: %w", err)
	}

	sched := scheduler.New(scheduler.Options{})
	for _, job := range scheduler.MaintenanceJobs(cfg, app.Registry, app.Store) {
		if err := sched.Add(job); err != nil {
			_ = app.Close(context.Background())
			return err
		}
	}

	if err := channelManager.StartAll(ctx); err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("start channels: %w", err)
	}
	fmt.Fprintln(out, "✓ Discord channel started")

	sched.Start(ctx)
	fmt.Fprintf(out, "✓ Scheduler started with %d jobs\n", len(sched.States()))

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port,
		health.WithFleet(app.Registry),
		health.WithStore(app.Store),
		health.WithBus(msgBus),
		health.WithScheduler(sched),
	)
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]any{"error": err})
		}
	}()
	fmt.Fprintf(out, "✓ Health endpoints available at http://%s/health and /ready\n", healthServer.Addr())

	loopDone := make(chan error, 1)
	go func() { loopDone <- app.Orchestrator.Run(ctx, msgBus) }()

	fmt.Fprintln(out, "Press Ctrl+C to stop")
	<-ctx.Done()
	fmt.Fprintln(out, "\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	if err := healthServer.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	sched.Stop()
	if err := channelManager.StopAll(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	msgBus.Close()
	select {
	case err := <-loopDone:
		if err != nil {
			errs = append(errs, err)
		}
	case <-shutdownCtx.Done():
		logger.WarnC("gateway", "Orchestrator loop did not drain before shutdown")
	}
	if err := app.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	logger.Sync()
	fmt.Fprintln(out, "✓ Gateway stopped")
	return errors.Join(errs...)
}
