package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"alfred/internal/channel"
	"alfred/internal/scheduler"
	"alfred/internal/server"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent engine (HTTP API, ingress channels, scheduler)",
		Long:  "Starts the HTTP API, the agent loop, every enabled ingress channel and the cron scheduler. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEngine(ctx, func(eng *engine) error {
		cfg := eng.cfg
		var wg sync.WaitGroup
		errCh := make(chan error, 4)
		start := func(name string, fn func(context.Context) error) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fn(ctx); err != nil {
					logger.Error("component stopped with error", "component", name, "err", err)
					errCh <- fmt.Errorf("%s: %w", name, err)
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.loop.Run(ctx)
		}()

		if cfg.Server.Enabled {
			collector := eng.metrics
			if !cfg.Metrics.Enabled {
				collector = nil
			}
			srv := server.New(server.Config{
				Addr:        cfg.Server.Addr(),
				Loop:        eng.loop,
				Plugins:     eng.plugins,
				Triggers:    eng.triggers,
				Sessions:    eng.sessions,
				Traces:      eng.store,
				Metrics:     collector,
				MetricsPath: cfg.Metrics.Endpoint,
				Events:      eng.events,
				CORSOrigins: cfg.Server.CORSOrigins,
				Logger:      logger,
			})
			start("http", srv.Start)
		} else {
			logger.Info("http server disabled")
		}

		if cfg.Telegram.Enabled {
			tg := channel.NewTelegram(channel.TelegramConfig{
				Token:     cfg.Telegram.Token,
				TeamID:    cfg.Telegram.TeamID,
				AllowFrom: cfg.Telegram.AllowFrom,
				Publisher: eng.inbound,
				Events:    eng.events,
				Logger:    logger,
			})
			start(tg.Name(), tg.Start)
		}

		if cfg.NATS.Enabled {
			nc := channel.NewNATS(channel.NATSConfig{
				URL:       cfg.NATS.URL,
				Subject:   cfg.NATS.Subject,
				Queue:     cfg.NATS.Queue,
				TeamID:    cfg.NATS.TeamID,
				Publisher: eng.inbound,
				Events:    eng.events,
				Logger:    logger,
			})
			start(nc.Name(), nc.Start)
		}

		var sched *scheduler.Scheduler
		if cfg.Scheduler.Enabled {
			s, err := scheduler.New(scheduler.Config{
				Runner:        eng.triggers,
				Teams:         cfg.Scheduler.Teams,
				LeadsColdSpec: cfg.Scheduler.LeadsColdSpec,
				SentimentSpec: cfg.Scheduler.SentimentSpec,
				ServiceToken:  cfg.CRM.ServiceToken,
				RunTimeout:    time.Duration(cfg.Scheduler.RunTimeoutSeconds) * time.Second,
				Logger:        logger,
			})
			if err != nil {
				stop()
				wg.Wait()
				return err
			}
			sched = s
			sched.Start()
		}

		logger.Info("alfred started. Press Ctrl+C to stop.", "version", version, "agents", len(eng.registry.Agents()))

		var runErr error
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
			stop()
		}
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sched != nil {
			sched.Stop(shutdownCtx)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timed out, forcing exit")
			runErr = errors.Join(runErr, errors.New("shutdown timed out"))
		}
		return runErr
	})
}
