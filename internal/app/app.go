// Package app provides application initialization and dependency wiring.
//
// App is the container that builds the conversation stack in order: tracing,
// database pool and migrations, stores, Genkit with the Gemini plugin, the
// completion client, identity resolver, retriever, scoring engine and finally
// the conversation engine. Close releases everything in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/omnilead/omnilead/internal/completion"
	"github.com/omnilead/omnilead/internal/config"
	"github.com/omnilead/omnilead/internal/database"
	"github.com/omnilead/omnilead/internal/engine"
	"github.com/omnilead/omnilead/internal/identity"
	"github.com/omnilead/omnilead/internal/observability"
	"github.com/omnilead/omnilead/internal/retrieval"
	"github.com/omnilead/omnilead/internal/scoring"
	"github.com/omnilead/omnilead/internal/store"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Pool     *pgxpool.Pool
	Store    *store.Store

	Completion *completion.Client
	Resolver   *identity.Resolver
	Retriever  *retrieval.Retriever
	Scoring    *scoring.Engine
	Rescorer   *scoring.Rescorer
	Engine     *engine.Engine

	otelCleanup func()
}

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	st, err := store.New(pool, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	client, err := completion.New(g, cfg.ModelName, logger, completion.Options{
		RateLimiter: rate.NewLimiter(10, 30),
	})
	if err != nil {
		return nil, err
	}
	a.Completion = client

	resolver, err := identity.NewResolver(st, logger)
	if err != nil {
		return nil, err
	}
	a.Resolver = resolver

	retriever, err := retrieval.New(st, embedder, logger)
	if err != nil {
		return nil, err
	}
	a.Retriever = retriever

	// Qualitative evaluation with the deterministic rules as safety net.
	evaluator := scoring.NewFallbackEvaluator(
		scoring.NewLLMEvaluator(client),
		scoring.NewRuleEvaluator(),
		logger,
	)
	scoringEngine, err := scoring.NewEngine(st, evaluator, logger)
	if err != nil {
		return nil, err
	}
	a.Scoring = scoringEngine

	rescorer, err := scoring.NewRescorer(scoringEngine, st,
		cfg.RescoreBatchSize,
		time.Duration(cfg.RescoreBatchDelayMS)*time.Millisecond,
		logger)
	if err != nil {
		return nil, err
	}
	a.Rescorer = rescorer

	conv, err := engine.New(retriever, client, resolver, scoringEngine, st, logger, engine.Config{
		MaxTokens:        cfg.MaxTokens,
		SummaryMaxTokens: cfg.SummaryMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	a.Engine = conv

	return a, nil
}

// Close gracefully shuts down all resources. Safe on a partially built App.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
}

// provideOtelShutdown sets up OTLP tracing before Genkit initialization so the
// TracerProvider is ready when flows start. An empty endpoint disables tracing.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if cfg.Tracing.Endpoint == "" {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing setup failed, continuing without it", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool opens the connection pool and applies pending migrations.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return pool, nil
}
