// ABOUTME: Upstream registry: owns the name-to-adapter and name-to-breaker maps and routes calls.
// ABOUTME: Applies circuit breaker gating per call and shuts adapters down in parallel.

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OmegaTeee/mcp-router/internal/breaker"
	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
)

// Health is one server's status as reported by /health/{server}.
type Health struct {
	Server       string         `json:"server"`
	Status       string         `json:"status"` // "healthy" or "down"
	Transport    string         `json:"transport"`
	Breaker      breaker.Status `json:"breaker"`
	LatencyMS    *float64       `json:"latency_ms,omitempty"`
	PID          int            `json:"pid,omitempty"`
	RestartCount int            `json:"restart_count,omitempty"`
}

// Registry maps server names to adapters and breakers. The maps are built
// once at construction and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	breakers *breaker.Registry
	logger   *slog.Logger
}

// NewRegistry builds adapters for every configured server. A bad server
// config fails construction; nothing is partially started.
func NewRegistry(configs []ServerConfig, breakers *breaker.Registry, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(0, 0)
	}

	adapters := make(map[string]Adapter, len(configs))
	for _, cfg := range configs {
		if _, exists := adapters[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate server name %q", cfg.Name)
		}

		var (
			adapter Adapter
			err     error
		)
		switch cfg.Transport {
		case TransportStdio:
			adapter, err = NewStdioAdapter(cfg, logger)
		case TransportHTTP:
			adapter, err = NewHTTPAdapter(cfg, logger)
		default:
			err = fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
		}
		if err != nil {
			return nil, err
		}

		adapters[cfg.Name] = adapter
		logger.Info("registered server", "server", cfg.Name, "transport", cfg.Transport)
	}

	return &Registry{adapters: adapters, breakers: breakers, logger: logger}, nil
}

// Initialize starts every stdio subprocess. A failed start records a breaker
// failure for that server instead of aborting the rest.
func (r *Registry) Initialize(ctx context.Context) {
	for name, adapter := range r.adapters {
		stdio, ok := adapter.(*StdioAdapter)
		if !ok {
			continue
		}
		if err := stdio.Start(ctx); err != nil {
			r.logger.Error("failed to start server", "server", name, "error", err)
			r.breakers.Get(name).RecordFailure()
		}
	}
}

// Call routes one JSON-RPC request to the named server through its breaker.
// Transport failures trip the breaker; a JSON-RPC error payload does not.
func (r *Registry) Call(ctx context.Context, server string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	adapter, ok := r.adapters[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	br := r.breakers.Get(server)
	if !br.CanExecute() {
		return nil, &CircuitOpenError{Server: server, RetryAfter: br.RetryAfter()}
	}

	resp, err := adapter.Call(ctx, req)
	if err != nil {
		br.RecordFailure()
		r.logger.Error("upstream call failed",
			"server", server, "method", req.Method, "error", err)
		return nil, err
	}

	br.RecordSuccess()
	return resp, nil
}

// ListServers returns registered names sorted for stable output.
func (r *Registry) ListServers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a server is registered.
func (r *Registry) Has(server string) bool {
	_, ok := r.adapters[server]
	return ok
}

// Breakers exposes the breaker registry for status and reset endpoints.
func (r *Registry) Breakers() *breaker.Registry { return r.breakers }

// ResetRestarts clears the restart counter on every stdio adapter, re-arming
// servers that exhausted their respawn cap. Restart budgets only refill
// through this explicit path, never on a successful call.
func (r *Registry) ResetRestarts() {
	for _, adapter := range r.adapters {
		if stdio, ok := adapter.(*StdioAdapter); ok {
			stdio.ResetRestarts()
		}
	}
}

// HealthCheck probes one server and snapshots its breaker.
func (r *Registry) HealthCheck(ctx context.Context, server string) (Health, error) {
	adapter, ok := r.adapters[server]
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	start := time.Now()
	healthy := adapter.Healthy(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000

	h := Health{
		Server:    server,
		Status:    "healthy",
		Transport: adapter.Transport(),
		Breaker:   r.breakers.Get(server).Status(),
	}
	if !healthy {
		h.Status = "down"
	}
	if adapter.Transport() == TransportHTTP {
		h.LatencyMS = &latency
	}
	if stdio, ok := adapter.(*StdioAdapter); ok {
		h.PID = stdio.PID()
		h.RestartCount = stdio.RestartCount()
	}
	return h, nil
}

// AllHealth probes every server in parallel and returns results sorted by name.
func (r *Registry) AllHealth(ctx context.Context) []Health {
	names := r.ListServers()
	results := make([]Health, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			h, err := r.HealthCheck(ctx, name)
			if err != nil {
				h = Health{Server: name, Status: "down"}
			}
			results[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Shutdown closes all adapters in parallel under the caller's deadline.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, adapter := range r.adapters {
		g.Go(func() error {
			if err := adapter.Close(ctx); err != nil {
				return fmt.Errorf("closing %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
