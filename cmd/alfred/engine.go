package main

import (
	"context"
	"fmt"
	"time"

	"alfred/internal/agent"
	"alfred/internal/bus"
	"alfred/internal/config"
	"alfred/internal/domain"
	"alfred/internal/metrics"
	"alfred/internal/store"
	"alfred/internal/tool"
)

// engine is the wired agent core shared by serve, run and cron.
type engine struct {
	cfg      *config.Config
	store    domain.RecordStore
	registry *agent.Registry
	plugins  *agent.PluginComposer
	sessions *agent.SessionManager
	loop     *agent.Loop
	triggers *agent.TriggerRunner
	events   *bus.EventBus
	inbound  *bus.InMemoryBus
	metrics  *metrics.MetricsCollector
}

func openStore(ctx context.Context, cfg *config.Config) (domain.RecordStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store; sessions and traces are lost on exit")
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewSQLiteStore(ctx, cfg.Store.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		return st, nil
	}
}

// buildToolset wires the CRM client and, when configured, the local
// suggest-reply override.
func buildToolset(cfg *config.Config) *tool.Toolset {
	var limiter *tool.RateLimiter
	if cfg.CRM.RateLimitPerMinute > 0 {
		limiter = tool.NewRateLimiter(cfg.CRM.RateLimitBurst, float64(cfg.CRM.RateLimitPerMinute))
	}
	crm := tool.NewCRMClient(tool.CRMConfig{
		BaseURL:      cfg.CRM.APIBaseURL,
		ServiceToken: cfg.CRM.ServiceToken,
		Timeout:      time.Duration(cfg.CRM.TimeoutSeconds) * time.Second,
		Retry: tool.RetryPolicy{
			MaxRetries: cfg.CRM.MaxRetries,
			BaseDelay:  time.Duration(cfg.CRM.RetryBaseMillis) * time.Millisecond,
		},
		RateLimiter: limiter,
		Logger:      logger,
	})

	var overrides []domain.Tool
	if cfg.Suggest.Provider == "openai" {
		o := cfg.Suggest.OpenAI
		overrides = append(overrides, tool.NewSuggestReplyTool(tool.SuggestReplyConfig{
			APIKey:       o.APIKey,
			BaseURL:      o.APIBase,
			Model:        o.Model,
			Temperature:  o.Temperature,
			SystemPrompt: o.SystemPrompt,
			Logger:       logger,
		}))
		logger.Info("suggestReply served by chat completions", "model", o.Model)
	}
	return tool.NewToolset(crm, logger, overrides...)
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	agents, err := agent.LoadCatalog(cfg.Agents.CatalogPath, logger)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	events := bus.NewEventBus(logger)
	collector := metrics.NewMetricsCollector()
	if cfg.Metrics.Enabled {
		collector.Subscribe(events)
	}
	inbound := bus.New(cfg.Loop.BusSize, logger)

	registry := agent.NewRegistry(agents, logger)
	plugins := agent.NewPluginComposer(st, logger)
	sessions := agent.NewSessionManager(st, logger)
	loop := agent.NewLoop(agent.LoopConfig{
		Registry:    registry,
		Plugins:     plugins,
		Sessions:    sessions,
		Executor:    agent.NewExecutor(agent.ExecutorConfig{Traces: st, Events: events, Logger: logger}),
		Tools:       buildToolset(cfg),
		Inbound:     inbound,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.Loop.Concurrency,
	})

	return &engine{
		cfg:      cfg,
		store:    st,
		registry: registry,
		plugins:  plugins,
		sessions: sessions,
		loop:     loop,
		triggers: agent.NewTriggerRunner(loop, st, events, logger),
		events:   events,
		inbound:  inbound,
		metrics:  collector,
	}, nil
}

func (e *engine) Close() {
	e.inbound.Close()
	if err := e.store.Close(); err != nil {
		logger.Warn("record store close failed", "err", err)
	}
}

// withEngine loads config, builds the engine, runs fn and tears both down.
func withEngine(ctx context.Context, fn func(*engine) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}
