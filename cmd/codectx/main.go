// Command codectx runs the engineering context gateway: hybrid semantic and
// structural retrieval over an indexed codebase with synthesized, cited
// answers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"codectx/internal/breaker"
	"codectx/internal/classify"
	"codectx/internal/config"
	"codectx/internal/conversation"
	"codectx/internal/core"
	"codectx/internal/feedback"
	"codectx/internal/graph"
	"codectx/internal/health"
	"codectx/internal/model"
	"codectx/internal/orchestrator"
	"codectx/internal/provider"
	"codectx/internal/provider/anthropic"
	"codectx/internal/provider/ollama"
	"codectx/internal/provider/openai"
	"codectx/internal/recovery"
	"codectx/internal/server"
	"codectx/internal/synthesis"
	"codectx/internal/telemetry"
	"codectx/internal/tuning"
	"codectx/internal/vector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codectx: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := core.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var traces *telemetry.Provider
	if cfg.Telemetry.Enabled {
		traces, err = telemetry.NewProvider(ctx, "codectx", cfg.Telemetry.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("Trace export disabled", map[string]interface{}{"error": err.Error()})
		}
	}

	// Shared cache. The gateway serves without it; conversations fall back
	// to replica-local state.
	var redisCache *core.RedisClient
	if cfg.Redis.URL != "" {
		redisCache, err = core.NewRedisClient(cfg.Redis.URL, "codectx", logger)
		if err != nil {
			logger.Warn("Shared cache unavailable; conversations are replica-local", map[string]interface{}{
				"error": err.Error(),
			})
			redisCache = nil
		}
	}

	vectorClient := vector.NewClient(cfg.Vector.URL, cfg.Vector.Collection, cfg.Vector.Timeout, logger)
	if err := vectorClient.EnsureCollection(ctx, cfg.Vector.EmbeddingDim); err != nil {
		logger.Warn("Vector collection not ready", map[string]interface{}{"error": err.Error()})
	}
	vectorRetriever := vector.NewRetriever(vectorClient, vector.MetricSimilarity, cfg.Vector.TopK, logger)

	graphStore, err := graph.NewNeo4jStore(cfg.Graph.URI, cfg.Graph.User, cfg.Graph.Password, logger)
	if err != nil {
		return fmt.Errorf("connecting graph store: %w", err)
	}
	defer graphStore.Close(context.Background())
	graphRetriever := graph.NewRetriever(graphStore, cfg.Graph.MaxDepth, cfg.Graph.MaxEdges, logger)
	recordStore := graph.NewRecordStore(graphStore, logger)

	embedChain := buildEmbedderChain(cfg, logger)
	synthChain, err := buildSynthesizerChain(cfg, logger)
	if err != nil {
		return err
	}
	synthEngine := synthesis.NewEngine(synthChain, logger)

	var convCache conversation.Cache
	if redisCache != nil {
		convCache = redisCache
	}
	conversations := conversation.NewManager(convCache, cfg.Conversation.MaxRounds, cfg.Conversation.TTL, logger)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenTrials:   cfg.Breaker.HalfOpenTrials,
	}, logger)

	registry := prometheus.NewRegistry()
	feedbackStore := feedback.NewStore(recordStore, registry, logger)

	orch := orchestrator.New(
		embedChain, vectorRetriever, graphRetriever, synthEngine,
		classify.NewEngine(), conversations, feedbackStore, recordStore,
		breakers,
		orchestrator.Config{
			VectorTimeout: cfg.Vector.Timeout,
			GraphTimeout:  cfg.Graph.Timeout,
			CacheTTL:      time.Minute,
			Synthesis: &provider.SynthesisOptions{
				Model:       cfg.Synthesis.Model,
				Temperature: cfg.Synthesis.Temperature,
				MaxTokens:   cfg.Synthesis.MaxTokens,
				Seed:        cfg.Synthesis.Seed,
			},
		},
		logger,
	)

	monitor := health.NewMonitor(health.Config{
		Interval:        cfg.Health.ProbeInterval,
		LatencyBaseline: cfg.Health.LatencyBaseline,
		LatencyFactor:   cfg.Health.LatencyFactor,
		HistorySize:     cfg.Health.HistorySize,
	}, logger)
	monitor.Register("vector", vectorClient.Ping)
	monitor.Register("graph", graphStore.Ping)
	if redisCache != nil {
		monitor.Register("cache", redisCache.Ping)
	}

	// Health cascade: an unhealthy dependency holds its breaker open until
	// a probe succeeds again.
	go func() {
		for update := range monitor.Subscribe() {
			b := breakers.Get(update.Service)
			if update.Health.Status == model.StatusUnhealthy {
				b.ForceOpen()
			} else {
				b.ClearForce()
			}
		}
	}()

	recoveryEngine := recovery.NewEngine(recoveryRules(), recovery.Actions{
		Reconnect: func(ctx context.Context, service string) error {
			_, ok := monitor.ProbeNow(ctx, service)
			if !ok {
				return fmt.Errorf("service %s: %w", service, core.ErrNotFound)
			}
			return nil
		},
		// Restart is a deployment hook. The gateway has no container
		// runtime access, so the request is surfaced for the operator
		// tooling that tails this log stream.
		Restart: func(ctx context.Context, service string) error {
			logger.Warn("Restart requested", map[string]interface{}{"service": service})
			return nil
		},
		ClearCache: clearCacheAction(redisCache),
		Escalate: func(service, reason string) {
			logger.Error("Recovery escalated to operator", map[string]interface{}{
				"service": service,
				"reason":  reason,
			})
		},
	}, recovery.Config{
		Cooldown:   cfg.Recovery.Cooldown,
		MaxPerHour: cfg.Recovery.MaxPerHour,
	}, logger)
	go recoveryEngine.Run(ctx, monitor.Subscribe())

	tuner := tuning.NewTuner(recordStore, tuning.Config{
		WindowDays:   cfg.Tuning.WindowDays,
		MinSamples:   cfg.Tuning.MinSamples,
		MaxStep:      cfg.Tuning.MaxStep,
		LearningRate: cfg.Tuning.LearningRate,
		DeltaBound:   cfg.Tuning.DeltaBound,
	}, logger)
	go runTunerLoop(ctx, tuner, logger)

	if path := os.Getenv("CODECTX_CONFIG"); path != "" {
		watcher, err := config.NewWatcher(path, cfg, logger)
		if err != nil {
			logger.Warn("Config watch disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer watcher.Close()
			watcher.OnChange(func(g config.Guardrails) {
				tuner.SetGuardrails(g.Tuning.MaxStep, g.Tuning.DeltaBound, g.Tuning.MinSamples)
				recoveryEngine.SetGuardrails(recovery.Config{
					Cooldown:   g.Recovery.Cooldown,
					MaxPerHour: g.Recovery.MaxPerHour,
				})
			})
		}
	}

	monitor.Start(ctx)
	defer monitor.Stop()

	srv := server.New(orch, feedbackStore, monitor, breakers, server.ProviderChains{
		Embedding: embedChain,
		Synthesis: synthChain,
	}, registry, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.HTTPAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if traces != nil {
		_ = traces.Shutdown(shutdownCtx)
	}
	if redisCache != nil {
		_ = redisCache.Close()
	}
	logger.Info("Gateway stopped", nil)
	return nil
}

func buildEmbedderChain(cfg *config.Config, logger core.Logger) *provider.EmbedderChain {
	var providers []provider.Embedder
	if cfg.Embedding.OllamaURL != "" {
		providers = append(providers, ollama.NewClient(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Vector.Timeout, logger))
	}
	if cfg.Embedding.HostedURL != "" {
		providers = append(providers, openai.NewClient(cfg.Embedding.HostedURL, cfg.Embedding.HostedAPIKey, cfg.Embedding.Model, cfg.Vector.Timeout, logger))
	}
	return provider.NewEmbedderChain(providers, provider.DefaultChainConfig(), logger)
}

func buildSynthesizerChain(cfg *config.Config, logger core.Logger) (*provider.SynthesizerChain, error) {
	timeout := 60 * time.Second
	local := func() provider.Synthesizer {
		return ollama.NewClient(cfg.Synthesis.OllamaURL, cfg.Synthesis.Model, timeout, logger)
	}

	var providers []provider.Synthesizer
	switch cfg.Synthesis.Provider {
	case "local":
		providers = append(providers, local())
		if cfg.Synthesis.APIURL != "" {
			providers = append(providers, openai.NewClient(cfg.Synthesis.APIURL, cfg.Synthesis.APIKey, cfg.Synthesis.Model, timeout, logger))
		}
	case "hosted-a":
		providers = append(providers, openai.NewClient(cfg.Synthesis.APIURL, cfg.Synthesis.APIKey, cfg.Synthesis.Model, timeout, logger))
		if cfg.Synthesis.OllamaURL != "" {
			providers = append(providers, local())
		}
	case "hosted-b":
		providers = append(providers, anthropic.NewClient(cfg.Synthesis.APIURL, cfg.Synthesis.APIKey, cfg.Synthesis.Model, timeout, logger))
		if cfg.Synthesis.OllamaURL != "" {
			providers = append(providers, local())
		}
	default:
		return nil, fmt.Errorf("synthesis provider %q: %w", cfg.Synthesis.Provider, core.ErrInvalidConfiguration)
	}
	return provider.NewSynthesizerChain(providers, provider.DefaultChainConfig(), logger), nil
}

// clearCacheAction drops the derived metric and recovery keys only.
// Conversation state survives a cache clear; wiping it would abort every
// in-flight clarification dialogue.
func clearCacheAction(cache *core.RedisClient) func(ctx context.Context, service string) error {
	return func(ctx context.Context, service string) error {
		if cache == nil {
			return core.ErrUnavailable
		}
		for _, prefix := range []string{"monitoring:", "recovery:"} {
			if _, err := cache.DeleteByPrefix(ctx, prefix); err != nil {
				return err
			}
		}
		return nil
	}
}

func recoveryRules() []recovery.Rule {
	return []recovery.Rule{
		{
			Name:           "reconnect-on-failures",
			ServicePattern: "*",
			Trigger:        recovery.Trigger{ConsecutiveFailures: 3},
			Action:         model.ActionReconnect,
			MaxAttempts:    3,
		},
		{
			Name:           "clear-cache-on-oom",
			ServicePattern: "cache",
			Trigger:        recovery.Trigger{ErrorPattern: "(?i)oom|out of memory"},
			Action:         model.ActionClearCache,
			MaxAttempts:    2,
		},
	}
}

func runTunerLoop(ctx context.Context, tuner *tuning.Tuner, logger core.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := tuner.Run(ctx, "", false)
			if err != nil {
				logger.Warn("Tuning run failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			logger.Info("Tuning run completed", map[string]interface{}{
				"samples": result.Samples,
				"applied": result.Applied,
			})
		}
	}
}
