// Command s3ftpd serves a local directory, an in-memory tree, an S3 bucket
// or an embedded BadgerDB over FTP.
//
// Usage:
//
//	s3ftpd -config /etc/s3ftpd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonzalop/s3ftpd/internal/config"
	"github.com/gonzalop/s3ftpd/internal/metrics"
	"github.com/gonzalop/s3ftpd/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "s3ftpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, err := config.LoadUsers(&cfg.Auth)
	if err != nil {
		return err
	}

	driver, driverCloser, err := config.CreateDriver(ctx, cfg, users)
	if err != nil {
		return err
	}
	defer driverCloser.Close()

	tlsConfig, err := config.LoadTLS(&cfg.TLS)
	if err != nil {
		return err
	}

	opts := config.ServerOptions(cfg, logger)
	opts = append(opts, server.WithDriver(driver))
	if tlsConfig != nil {
		opts = append(opts, server.WithTLS(tlsConfig))
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, server.WithMetricsCollector(metrics.New(reg)))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics_listening", "addr", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err)
			}
		}()
	}

	srv, err := server.NewServer(cfg.Server.Listen, opts...)
	if err != nil {
		return err
	}

	logger.Info("server_starting",
		"addr", cfg.Server.Listen,
		"backend", cfg.Backend.Type,
		"tls", tlsConfig != nil,
		"read_only", cfg.Server.ReadOnly,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_stopping")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("shutdown_failed", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics_shutdown_failed", "error", err)
		}
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			return err
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("shutdown_timeout", "timeout", cfg.Server.ShutdownTimeout)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the slog handler described by cfg.
func newLogger(cfg *config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var w io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}
