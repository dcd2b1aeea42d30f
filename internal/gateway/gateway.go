// ABOUTME: Gateway orchestrator that wires the cache, enhancer, upstream registry, and sessions
// ABOUTME: Manages the public HTTP server lifecycle with graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/breaker"
	"github.com/OmegaTeee/mcp-router/internal/cache"
	"github.com/OmegaTeee/mcp-router/internal/config"
	"github.com/OmegaTeee/mcp-router/internal/enhance"
	"github.com/OmegaTeee/mcp-router/internal/inference"
	"github.com/OmegaTeee/mcp-router/internal/observability"
	"github.com/OmegaTeee/mcp-router/internal/session"
	"github.com/OmegaTeee/mcp-router/internal/upstream"
	"github.com/OmegaTeee/mcp-router/internal/vectorstore"
)

// Name and Version identify the router on the root info endpoint.
const (
	Name    = "mcp-router"
	Version = "0.3.0"
)

// Gateway orchestrates the mcp-router server components. It owns the public
// HTTP server and every subsystem behind it.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	inference  *inference.Client
	cache      *cache.PromptCache
	enhancer   *enhance.Middleware
	breakers   *breaker.Registry
	registry   *upstream.Registry
	sessions   *session.Manager
	requestLog *observability.RequestLog
	metrics    *observability.Metrics
	httpServer *http.Server
}

// New builds a gateway from configuration. Upstream subprocesses are not
// started here; Run launches them.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inf := inference.New(cfg.Inference.URL, cfg.Inference.Timeout)

	store := vectorstore.New(cfg.VectorStore.URL, cfg.VectorStore.Collection, 0, 0)
	promptCache := cache.New(context.Background(), cache.Config{
		MaxSize:             cfg.Cache.MaxSize,
		SimilarityThreshold: float32(cfg.Cache.SimilarityThreshold),
		EmbedModel:          cfg.Cache.EmbedModel,
		Embedder:            inf,
		Store:               store,
		Logger:              logger,
	})

	rules, err := enhance.LoadRules(cfg.Enhancement.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("loading enhancement rules: %w", err)
	}
	enhancer := enhance.New(enhance.Config{
		Rules:     rules,
		Generator: inf,
		Cache:     promptCache,
		Timeout:   cfg.Inference.Timeout,
		Logger:    logger,
	})

	servers, err := config.LoadServers(cfg.Upstreams.ServersFile, cfg.Upstreams.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("loading server config: %w", err)
	}

	breakers := breaker.NewRegistry(cfg.Breakers.FailureThreshold, cfg.Breakers.RecoveryTimeout)
	registry, err := upstream.NewRegistry(servers, breakers, logger)
	if err != nil {
		return nil, fmt.Errorf("building upstream registry: %w", err)
	}

	sessions := session.NewManager(session.Config{
		MaxSessions: cfg.Sessions.MaxSessions,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		KeepAlive:   cfg.Sessions.KeepAlive,
		Router:      registry,
		Logger:      logger,
	})

	g := &Gateway{
		config:     cfg,
		logger:     logger,
		inference:  inf,
		cache:      promptCache,
		enhancer:   enhancer,
		breakers:   breakers,
		registry:   registry,
		sessions:   sessions,
		requestLog: observability.NewRequestLog(0),
		metrics:    observability.NewMetrics(breakers, promptCache.Stats),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           g.requestLogging(g.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// probeInference logs whether the inference service answers at startup.
// The router runs fine without it; enhancement just degrades to passthrough.
func (g *Gateway) probeInference(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	models, err := g.inference.ListModels(ctx)
	if err != nil {
		g.logger.Warn("inference service unreachable, enhancement will pass through",
			"url", g.config.Inference.URL, "error", err)
		return
	}
	g.logger.Info("inference service connected",
		"url", g.config.Inference.URL, "models", len(models))
}

// Run starts the upstream subprocesses and serves HTTP until the context is
// canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.probeInference(ctx)
	g.registry.Initialize(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes SSE sessions, and terminates
// upstream subprocesses.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sessions.Shutdown()

	if err := g.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
