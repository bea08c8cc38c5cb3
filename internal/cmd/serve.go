package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cwedge/cwedge/internal/audit"
	"github.com/cwedge/cwedge/internal/config"
	"github.com/cwedge/cwedge/internal/edge"
	errwrap "github.com/cwedge/cwedge/internal/errors"
	appmetrics "github.com/cwedge/cwedge/internal/metrics"
	"github.com/cwedge/cwedge/internal/observability"
	"github.com/cwedge/cwedge/internal/server"
	"github.com/cwedge/cwedge/internal/server/handlers"
	"github.com/cwedge/cwedge/internal/store"
)

// signalHealthChecker implements HealthChecker for the signal system
type signalHealthChecker struct{}

func (s signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil // Signal handlers are registered and ready
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// storeHealthChecker pings the record store backend
type storeHealthChecker struct {
	store store.RecordStore
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the widget ingress HTTP server",
	Long: `Start the widget ingress HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (placeholder - restart recommended)

The server drains in-flight requests, flushes the audit sink, closes the
record store, and flushes logs on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
		}

		// Flag overrides win over every config layer.
		if serverHost != "" {
			cfg.Server.Host = serverHost
		}
		if serverPort != 0 {
			cfg.Server.Port = serverPort
		}

		observability.InitServerLogger("cwedge", cfg.Logging.Level, cfg.Logging.Environment)
		log := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Port); err != nil {
				log.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		log.Info("Initializing server",
			zap.String("service", "cwedge"),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("store_mode", cfg.Store.Mode),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		recordStore, err := openRecordStore(cmd.Context(), cfg)
		if err != nil {
			log.Error("Failed to open record store", zap.Error(err))
			return errwrap.WrapDatabaseError(cmd.Context(), err, "record store initialization failed")
		}

		guard, err := edge.NewGuard(
			cfg.Signing.Secret,
			cfg.Signing.FingerprintSecret,
			cfg.Signing.TTL,
			edge.NewNonceCache(cfg.Nonce.Capacity),
		)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "integrity guard initialization failed")
		}

		limiters := make(map[string]*edge.Limiter, 4)
		for _, route := range []string{"config", "messages", "events", "stream"} {
			rl := cfg.RouteLimitOrDefault(route)
			limiters[route] = edge.NewLimiter(rl.Window, rl.Limit, rl.BlockDuration)
		}

		sink := audit.NewSink(recordStore, cfg.Audit.Enabled)

		widget := &handlers.Widget{
			Store:    recordStore,
			Guard:    guard,
			Stitcher: edge.NewStitcher(recordStore, cfg.Session.IdleReuseWindow),
			Relay:    edge.NewRelay(&http.Client{}, cfg.Relay.ConnectTimeout),
			Audit:    sink,
			Limiters: limiters,
		}

		// Initialize health manager
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("signal_handlers", signalHealthChecker{})
		hm.RegisterChecker("record_store", storeHealthChecker{store: recordStore})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg, widget)
		started := time.Now()
		appmetrics.SetServerStartTime(started.Unix())

		// Uptime gauge refresh. Stops with the process; no teardown needed.
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return
				case <-ticker.C:
					appmetrics.SetServerUptime(int64(time.Since(started).Seconds()))
				}
			}
		}()

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			log.Info("Flushing logger...")
			if err := log.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				log.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Flush audit sink and close the record store
		signals.OnShutdown(func(ctx context.Context) error {
			log.Info("Flushing audit sink and closing record store...")
			sink.Flush()
			if err := recordStore.Close(); err != nil {
				log.Warn("Record store close returned error", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			log.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			log.Info("HTTP server stopped gracefully")
			return nil
		})

		// Register config reload handler (SIGHUP)
		signals.OnReload(func(ctx context.Context) error {
			log.Info("Received SIGHUP: live reload is not supported, restart to apply config changes")
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			log.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			log.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				log.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

var (
	serverHost string
	serverPort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (overrides config)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (overrides config)")
}
