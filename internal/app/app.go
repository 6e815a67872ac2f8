// Package app assembles the pipeline from configuration for the service and the CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jo-hoe/compositor/internal/cache"
	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/events"
	"github.com/jo-hoe/compositor/internal/gateway"
	"github.com/jo-hoe/compositor/internal/history"
	"github.com/jo-hoe/compositor/internal/llm"
	"github.com/jo-hoe/compositor/internal/llm/gemini"
	"github.com/jo-hoe/compositor/internal/llm/mock"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/targets"
	"github.com/jo-hoe/compositor/internal/targets/filesystem"
)

// NewLogger returns a text logger at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// Components are the long-lived parts shared by every entry point.
type Components struct {
	Cache        *cache.Store
	Orchestrator *pipeline.Orchestrator
}

// Close releases the cache backend.
func (c *Components) Close() error {
	return c.Cache.Close()
}

// Build opens the cache, sweeps expired entries and wires the orchestrator.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Components, error) {
	store, err := OpenCache(ctx, cfg.Cache, log)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	collab, err := NewCollaborators(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := NewEngine(cfg.Compositing)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	orch, err := pipeline.New(pipeline.Deps{
		Cache:      store,
		Engine:     engine,
		Analyzer:   collab,
		Generator:  collab,
		Harmonizer: collab,
		Models:     modelTiers(cfg.LLM),
		Logger:     log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Components{Cache: store, Orchestrator: orch}, nil
}

// OpenCache selects the analysis cache backend.
func OpenCache(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*cache.Store, error) {
	var backend cache.Backend
	switch cfg.Driver {
	case "memory":
		backend = cache.NewMemoryBackend()
	case "redis":
		rdb, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		backend = cache.NewRedisBackend(rdb, cfg.Redis.KeyPrefix, cfg.TTL)
	default:
		b, err := cache.NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	log.Info("analysis cache ready", "driver", cfg.Driver, "ttl", cfg.TTL, "coalesce", cfg.CoalesceEnabled())
	return cache.New(backend,
		cache.WithTTL(cfg.TTL),
		cache.WithLogger(log),
		cache.WithCoalescing(cfg.CoalesceEnabled()),
	), nil
}

// NewCollaborators returns the configured provider.
func NewCollaborators(cfg *config.Config, log *slog.Logger) (llm.Collaborators, error) {
	switch cfg.LLM.Provider {
	case "mock":
		return mock.New(cfg.LLM.Mock), nil
	case "gemini":
		keys := gateway.ParseKeyPool(cfg.Gateway.KeyPool, cfg.Gateway.Key)
		if len(keys) == 0 {
			return nil, gateway.ErrNoCredentials
		}
		gw := gateway.New(keys, gateway.WithLogger(log))
		log.Info("gateway ready", "credentials", gw.Size())
		g := cfg.LLM.Gemini
		client, err := gemini.New(gemini.Options{
			BaseURL: g.BaseURL,
			Models: gemini.Models{
				AnalysisFast: g.Models.AnalysisFast,
				AnalysisPro:  g.Models.AnalysisPro,
				ImageFast:    g.Models.ImageFast,
			},
			Gateway:    gw,
			HTTPClient: &http.Client{Timeout: g.Timeout},
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
}

// NewEngine builds the compositing engine from configuration.
func NewEngine(cfg config.CompositingConfig) (*compositing.Engine, error) {
	rounding, err := compositing.ParseRounding(cfg.Rounding)
	if err != nil {
		return nil, err
	}
	padding := compositing.DefaultPadding
	if cfg.Padding != nil {
		padding = *cfg.Padding
	}
	return compositing.New(compositing.Options{Padding: padding, Rounding: rounding}), nil
}

// OpenHistory selects the history backend.
func OpenHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := history.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	st, err := history.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// OpenEvents connects the MQTT emitter when enabled.
func OpenEvents(cfg config.EventsConfig, log *slog.Logger) (events.Emitter, error) {
	if !cfg.MQTT.Enabled {
		return events.Noop{}, nil
	}
	em, err := events.ConnectMQTT(log, cfg.MQTT)
	if err != nil {
		return nil, err
	}
	return em, nil
}

// NewTargets registers the output targets.
func NewTargets(cfg config.TargetConfig) (*targets.Registry, error) {
	reg := targets.NewRegistry()
	if cfg.Dir == "" {
		return reg, nil
	}
	fs, err := filesystem.New("filesystem", cfg.Dir, cfg.FilenameTemplate)
	if err != nil {
		return nil, err
	}
	reg.Add(fs)
	return reg, nil
}

func modelTiers(cfg config.LLMConfig) pipeline.ModelTiers {
	if cfg.Provider == "mock" {
		return pipeline.ModelTiers{Fast: "mock-image-fast", Quality: "mock-image-quality"}
	}
	return pipeline.ModelTiers{Fast: cfg.Gemini.Models.ImageFast, Quality: cfg.Gemini.Models.ImageQuality}
}
