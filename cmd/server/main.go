package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/pairpad/internal/api"
	"github.com/manpreetbhatti/pairpad/internal/config"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/executor"
	"github.com/manpreetbhatti/pairpad/internal/logging"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/retention"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath  string
		addr        string
		executorURL string
		logLevel    string
		logFormat   string
	)

	rootCmd := &cobra.Command{
		Use:   "pairpad-server",
		Short: "Collaborative code room server",
		Long: `Serves shared code rooms over WebSocket.

Settings come from built-in defaults, then the optional YAML file,
then PAIRPAD_* environment variables, then flags.

Examples:
  pairpad-server
  pairpad-server --config pairpad.yaml
  pairpad-server --addr :8080 --log-format console`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("executor-url") {
				cfg.Executor.URL = executorURL
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :5000)")
	rootCmd.Flags().StringVar(&executorURL, "executor-url", "", "Code execution service endpoint")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or console")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	database, err := db.New(db.MemoryDSN)
	if err != nil {
		return fmt.Errorf("initialize history: %w", err)
	}
	defer database.Close()

	hub := ws.NewHub(ws.HubConfig{
		Executor: executor.New(cfg.Executor.URL, cfg.Executor.Timeout),
		History:  database,
		Metrics:  m,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	sweeper := retention.New(database, hub.LiveRoomIDs, retention.Config{
		Interval: cfg.History.RetentionInterval,
		Keep:     cfg.History.Keep,
	}, m, logger)
	sweeper.Start()
	defer sweeper.Stop()

	apiHandler := api.New(hub, database, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(apiHandler, hub.Handler(cfg.AllowedOrigins), reg, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logStartup(logger, cfg)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-hubDone
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	<-hubDone

	return nil
}

func logStartup(logger zerolog.Logger, cfg config.Config) {
	logger.Info().
		Str("addr", cfg.Addr).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("executor", cfg.Executor.URL).
		Int("history_keep", cfg.History.Keep).
		Msg("pairpad server starting")
	logger.Info().
		Strs("endpoints", []string{
			"GET /ws",
			"GET /health",
			"GET /metrics",
			"GET /api/stats",
			"GET /api/rooms",
			"GET /api/rooms/{roomId}",
			"GET /api/rooms/{roomId}/executions",
			"GET /api/executions/{id}",
		}).
		Msg("routes")
}
