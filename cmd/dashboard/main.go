// The dashboard command launches the trading dashboard: the REST/WebSocket
// API server, the frontend shell, or both in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trading-dashboard/internal/api"
	"trading-dashboard/internal/auth"
	"trading-dashboard/internal/config"
	"trading-dashboard/internal/engine"
	"trading-dashboard/internal/journal"
	"trading-dashboard/internal/logger"
	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/monitor"
	"trading-dashboard/internal/notification"
	"trading-dashboard/internal/registry"
	"trading-dashboard/internal/runs"
	"trading-dashboard/internal/store"
	"trading-dashboard/internal/web"
)

func main() {
	root := &cobra.Command{
		Use:   "dashboard",
		Short: "Monitoring dashboard for trading engine instances",
	}
	root.AddCommand(apiCmd(), frontendCmd(), bothCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg := config.Load()
			log := logger.Init("dashboard-api", cfg.LogLevel)
			return runAPI(ctx, cfg, log)
		},
	}
}

func frontendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frontend",
		Short: "Run the dashboard frontend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg := config.Load()
			log := logger.Init("dashboard-web", cfg.LogLevel)
			return runWeb(ctx, cfg, log)
		},
	}
}

func bothCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "both",
		Short: "Run the API and frontend servers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg := config.Load()
			log := logger.Init("dashboard", cfg.LogLevel)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			errCh := make(chan error, 2)
			go func() { errCh <- runAPI(ctx, cfg, log) }()
			go func() { errCh <- runWeb(ctx, cfg, log) }()

			// Either server failing takes the whole process down.
			err := <-errCh
			cancel()
			if second := <-errCh; err == nil {
				err = second
			}
			return err
		},
	}
}

func runAPI(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New()
	health := metrics.NewHealthStatus()
	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msrv.Stop(sctx)
	}()

	client := engine.NewClient(log, m)

	refs, err := config.LoadInstances(cfg.InstancesFile)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	reg := registry.New(refs, client, cfg.PollInterval, log, m)
	alerts := notification.NewHistory(
		notification.FromConfig(cfg.WebhookURL, cfg.TelegramBotToken, cfg.TelegramChatID, log), 128)
	reg.SetNotifier(alerts)
	go reg.Start(ctx)

	st := store.New(log, m)
	st.Subscribe(func(v store.View) { health.SetLastEventTime(v.UpdatedAt) })

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(cfg.JournalPath, log)
		if err != nil {
			log.Warn("closed-trade journal disabled", "path", cfg.JournalPath, "err", err)
			jrnl = nil
		} else {
			health.SetJournalOK(true)
			defer jrnl.Close()
		}
	}

	mon := monitor.New(monitor.Config{
		Client:       client,
		Store:        st,
		Registry:     reg,
		Journal:      jrnl,
		Logger:       log,
		Metrics:      m,
		PollInterval: cfg.PollInterval,
	})
	defer mon.Stop()

	var reader runs.Reader = runs.NewFSReader(cfg.RunsRoot, log)
	if cfg.RedisAddr != "" {
		cache, err := runs.NewCache(runs.CacheConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, reader, log, m)
		if err != nil {
			log.Warn("run cache disabled, serving uncached reads", "addr", cfg.RedisAddr, "err", err)
		} else {
			reader = cache
			health.SetRedisConnected(true)
			defer cache.Close()
		}
	}

	srv := api.NewServer(api.Config{
		Addr:     cfg.APIAddr,
		Runs:     reader,
		Registry: reg,
		Monitor:  mon,
		Store:    st,
		Client:   client,
		Journal:  jrnl,
		Auth:     auth.FromConfig(cfg.AdminToken, cfg.AdminTOTPSecret),
		Alerts:   alerts,
		Logger:   log,
		Metrics:  m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down api server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func runWeb(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := web.NewServer(web.Config{
		Addr:    cfg.WebAddr,
		APIBase: cfg.APIBaseURL,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down web server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
