package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamrelay/backend/internal/config"
	"github.com/streamrelay/backend/internal/logging"
	"github.com/streamrelay/backend/internal/metrics"
	"github.com/streamrelay/backend/internal/mock"
	"github.com/streamrelay/backend/internal/relay"
	"github.com/streamrelay/backend/internal/session"
	"github.com/streamrelay/backend/internal/stats"
	"github.com/streamrelay/backend/internal/ws"
)

const statsInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	mockMode := flag.Bool("mock", false, "Start a local synthetic upstream source")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	registry := session.NewRegistry()
	coord := relay.NewCoordinator(registry, cfg.Relay, logging.WithComponent(logger, "relay"), m)

	var collector *stats.Collector
	if c, err := stats.NewCollector(statsInterval, logging.WithComponent(logger, "stats")); err != nil {
		logger.Warn("process stats unavailable", slog.String("error", err.Error()))
	} else {
		collector = c
		collector.Start(ctx)
	}

	if *mockMode {
		src := mock.NewSource(100*time.Millisecond, 1024, logging.WithComponent(logger, "mock"))
		url, err := src.Serve(ctx, "127.0.0.1:0")
		if err != nil {
			logger.Error("failed to start mock source", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("mock mode: create a relay against the synthetic source",
			slog.String("example", "/create-relay?url="+url),
		)
	}

	server := ws.NewServer(cfg, coord, collector, logging.WithComponent(logger, "gateway"), reg)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		coord.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("server listening", slog.String("addr", httpSrv.Addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
