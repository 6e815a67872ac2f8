package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jo-hoe/compositor/internal/app"
	appcfg "github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/jobs"
	"github.com/jo-hoe/compositor/internal/processor"
	"github.com/jo-hoe/compositor/internal/server"
	"github.com/jo-hoe/compositor/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $COMPOSITOR_CONFIG or ./config.yaml)")
	flag.Parse()

	// Load config
	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		app.NewLogger(os.Stderr, "info").Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := app.NewLogger(os.Stdout, cfg.Server.LogLevel)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Cache, collaborators and orchestrator
	comps, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("build pipeline", "err", err)
		os.Exit(1)
	}
	defer func() { _ = comps.Close() }()

	// Run records (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	hist, err := app.OpenHistory(rootCtx, cfg.History)
	if err != nil {
		logger.Error("open history", "driver", cfg.History.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = hist.Close() }()

	emitter, err := app.OpenEvents(cfg.Events, logger)
	if err != nil {
		logger.Error("connect events", "broker", cfg.Events.MQTT.Broker, "err", err)
		os.Exit(1)
	}
	defer emitter.Close()

	reg, err := app.NewTargets(cfg.Target)
	if err != nil {
		logger.Error("init targets", "dir", cfg.Target.Dir, "err", err)
		os.Exit(1)
	}

	// Worker and queue
	worker := processor.New(logger, cfg, store, comps.Orchestrator, hist, reg, emitter)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		Queue:     queue,
		Uploader:  storage.NewUploader(cfg.Server.StorageDir),
		Executor:  worker,
		Validator: comps.Orchestrator,
		History:   hist,
		Cache:     comps.Cache,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "provider", cfg.LLM.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}
