package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/engine"
	"github.com/fieldlink/df1gateway/pkg/redisdiag"
	"github.com/fieldlink/df1gateway/pkg/telemetry"
)

const diagnosticsPublishInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway as a long-lived service",
	Long: `Serve opens the configured transport, exposes a Prometheus
/metrics endpoint and /healthz /history diagnostics over HTTP, and, if
Redis is enabled, mirrors diagnostic counters into Redis and watches a
Redis command queue for PCCC read/write requests, until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	logger := log.Default()

	c, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()
	waitForCommClear(c)

	registry := prometheus.NewRegistry()
	collector := telemetry.NewCollector(c, prometheus.Labels{"plc_type": cfg.Engine.PlcType})
	telemetry.RegisterOrReuse(registry, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Enabled {
		redisClient, err := redisdiag.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		go redisClient.RunDiagnosticsLoop(ctx, c, diagnosticsPublishInterval)
		go redisClient.WatchCommands(ctx, func(cmd redisdiag.Command) {
			handleQueuedCommand(c, logger, cmd)
		})
		logger.Info("redis diagnostics enabled", "addr", cfg.Redis.Addr)
	}

	router := newDiagnosticsRouter(c, registry)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("diagnostics HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("diagnostics HTTP server failed", "err", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func newDiagnosticsRouter(c *engine.Client, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.History().Snapshot())
	})
	return r
}

// handleQueuedCommand dispatches one Redis-queued PCCC request onto the
// engine, the same handler shape as the teacher's WatchRedisCommands
// callback but generalized from a fixed command vocabulary to
// redisdiag.Command's parsed op/table/start/count/words/floats fields.
func handleQueuedCommand(c *engine.Client, logger *log.Logger, cmd redisdiag.Command) {
	var err error
	switch cmd.Op {
	case "read_output":
		_, err = c.ReadOutput(cmd.Table, cmd.Start, pccc.BitALL, cmd.Count)
	case "read_input":
		_, err = c.ReadInput(cmd.Table, cmd.Start, pccc.BitALL, cmd.Count)
	case "read_binary":
		_, err = c.ReadBinary(cmd.Table, cmd.Start, pccc.BitALL, cmd.Count)
	case "read_register":
		_, err = c.ReadRegister(cmd.Table, cmd.Start, cmd.Count)
	case "read_integer":
		_, err = c.ReadInteger(cmd.Table, cmd.Start, cmd.Count)
	case "read_float":
		_, err = c.ReadFloat(cmd.Table, cmd.Start, cmd.Count)
	case "write_output":
		_, err = c.WriteOutput(cmd.Table, cmd.Start, cmd.Words)
	case "write_binary":
		_, err = c.WriteBinary(cmd.Table, cmd.Start, cmd.Words)
	case "write_register":
		_, err = c.WriteRegister(cmd.Table, cmd.Start, cmd.Words)
	case "write_float":
		_, err = c.WriteFloat(cmd.Table, cmd.Start, cmd.Floats)
	default:
		logger.Warn("unrecognized queued command op", "op", cmd.Op)
		return
	}
	if err != nil {
		logger.Warn("queued command failed", "op", cmd.Op, "table", cmd.Table, "start", cmd.Start, "err", err)
	}
}
