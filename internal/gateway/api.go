// ABOUTME: Public HTTP dispatcher: JSON-RPC routing, enhancement, health, SSE, stats, and actions.
// ABOUTME: Maps transport failures onto HTTP status codes carrying JSON-RPC error bodies.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OmegaTeee/mcp-router/internal/cache"
	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
	"github.com/OmegaTeee/mcp-router/internal/observability"
	"github.com/OmegaTeee/mcp-router/internal/session"
	"github.com/OmegaTeee/mcp-router/internal/upstream"
)

// maxRequestBody bounds inbound JSON-RPC and enhancement bodies.
const maxRequestBody = 4 << 20

// statsResponse is the JSON response for GET /stats.
type statsResponse struct {
	Cache          cache.Stats                  `json:"cache"`
	Sessions       sessionStats                 `json:"sessions"`
	RecentRequests []observability.RequestEntry `json:"recent_requests"`
}

type sessionStats struct {
	Active int `json:"active"`
}

// enhanceRequest is the JSON request body for POST /enhance.
type enhanceRequest struct {
	Prompt string `json:"prompt"`
	Client string `json:"client,omitempty"`
}

type serviceHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// routes builds the public mux. Literal routes win over the generic
// {server} dispatch pattern by ServeMux specificity.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/{server}", g.handleServerHealth)
	mux.HandleFunc("POST /enhance", g.handleEnhance)
	mux.HandleFunc("GET /sse", g.handleSSE)
	mux.HandleFunc("POST /sse/messages", g.handleSSEMessage)
	mux.HandleFunc("DELETE /sse/{session}", g.handleSSEDisconnect)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /tools/schemas", g.handleToolSchemas)
	mux.HandleFunc("POST /actions/clear-cache", g.handleClearCache)
	mux.HandleFunc("POST /actions/reset-breakers", g.handleResetBreakers)
	mux.HandleFunc("POST /{server}", g.handleDispatch)
	mux.HandleFunc("POST /{server}/{path...}", g.handleDispatch)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// handleDispatch forwards one JSON-RPC request to the named upstream.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		g.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "unreadable body", nil)
		return
	}

	req, err := jsonrpc.Parse(body)
	if err != nil {
		g.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, err.Error(), nil)
		return
	}

	resp, err := g.registry.Call(r.Context(), server, req)
	if err != nil {
		g.writeDispatchError(w, server, req, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// writeDispatchError maps registry failures onto HTTP statuses: 404 for an
// unknown server, 503 while the breaker is open, 504 on timeout, 502 for
// every other transport failure.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, server string, req *jsonrpc.Request, err error) {
	var coe *upstream.CircuitOpenError
	switch {
	case errors.Is(err, upstream.ErrUnknownServer):
		g.writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeMethodNotFound,
			"unknown server", map[string]any{"server": server, "available": g.registry.ListServers()})

	case errors.As(err, &coe):
		g.writeRPCError(w, http.StatusServiceUnavailable, req.ID, jsonrpc.CodeServerError,
			err.Error(), map[string]any{"retry_after_ms": coe.RetryAfter.Milliseconds()})

	case errors.Is(err, context.DeadlineExceeded):
		g.writeRPCError(w, http.StatusGatewayTimeout, req.ID, jsonrpc.CodeTimeout,
			"server "+server+" timed out", nil)

	default:
		g.writeRPCError(w, http.StatusBadGateway, req.ID, jsonrpc.CodeServerError,
			err.Error(), map[string]any{"cause": "transport failure"})
	}
}

// handleEnhance rewrites a prompt through the enhancement middleware.
// Enhancement failures degrade to passthrough, so the response is 200
// unless the body itself is unusable.
func (g *Gateway) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Prompt == "" {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	client := req.Client
	if client == "" {
		client = r.Header.Get("X-Client-Name")
	}

	result := g.enhancer.Enhance(r.Context(), client, req.Prompt)
	g.writeJSON(w, http.StatusOK, result)
}

// handleHealth reports aggregate status. Any down component degrades the
// aggregate to "degraded"; the endpoint itself always answers 200.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := "ok"

	services := []serviceHealth{{Name: "inference", Status: "ok"}}
	if _, err := g.inference.ListModels(ctx); err != nil {
		services[0].Status = "down"
		status = "degraded"
	}

	servers := g.registry.AllHealth(ctx)
	for _, s := range servers {
		if s.Status != "healthy" {
			status = "degraded"
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": services,
		"breakers": g.breakers.AllStatus(),
		"servers":  servers,
	})
}

// handleServerHealth reports one server's health.
func (g *Gateway) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")

	h, err := g.registry.HealthCheck(r.Context(), server)
	if err != nil {
		g.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown server: " + server})
		return
	}
	g.writeJSON(w, http.StatusOK, h)
}

// handleSSE opens a session and streams its events until the client leaves.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s, err := g.sessions.Open(baseURL(r))
	if err != nil {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	defer g.sessions.Close(s.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", s.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(g.sessions.KeepAliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			// Drain the terminal event queued before close, if any.
			select {
			case ev := <-s.Events():
				_, _ = io.WriteString(w, ev.Format())
				flusher.Flush()
			default:
			}
			return
		case ev := <-s.Events():
			if _, err := io.WriteString(w, ev.Format()); err != nil {
				return
			}
			flusher.Flush()
			keepalive.Reset(g.sessions.KeepAliveInterval())
		case <-keepalive.C:
			if _, err := io.WriteString(w, session.KeepAliveEvent.Format()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSSEMessage enqueues one JSON-RPC request on a session. The response
// arrives on the SSE stream, not here.
func (g *Gateway) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		// Some MCP clients send session_id instead.
		sessionID = r.URL.Query().Get("session_id")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		g.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "unreadable body", nil)
		return
	}
	req, err := jsonrpc.Parse(body)
	if err != nil {
		g.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, err.Error(), nil)
		return
	}

	err = g.sessions.Post(sessionID, r.Header.Get("X-MCP-Server"), req)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		g.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found or expired"})
	case errors.Is(err, session.ErrSessionBusy):
		g.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case err != nil:
		g.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// handleSSEDisconnect explicitly closes a session.
func (g *Gateway) handleSSEDisconnect(w http.ResponseWriter, r *http.Request) {
	if !g.sessions.Close(r.PathValue("session")) {
		g.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleStats reports cache statistics, session count, and recent requests.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, statsResponse{
		Cache:          g.cache.Stats(r.Context()),
		Sessions:       sessionStats{Active: g.sessions.Count()},
		RecentRequests: g.requestLog.Recent(50),
	})
}

// handleToolSchemas fans a tools/list call out to every upstream in parallel.
// Per-server failures are reported inline rather than failing the whole map.
func (g *Gateway) handleToolSchemas(w http.ResponseWriter, r *http.Request) {
	servers := g.registry.ListServers()

	var mu sync.Mutex
	results := make(map[string]any, len(servers))

	gr, ctx := errgroup.WithContext(r.Context())
	for _, server := range servers {
		gr.Go(func() error {
			req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "tools/list"}
			resp, err := g.registry.Call(ctx, server, req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				results[server] = map[string]string{"error": err.Error()}
			case resp.Error != nil:
				results[server] = map[string]any{"error": resp.Error.Message}
			default:
				results[server] = resp.Result
			}
			return nil
		})
	}
	_ = gr.Wait()

	g.writeJSON(w, http.StatusOK, map[string]any{"servers": results})
}

// handleClearCache empties both cache tiers.
func (g *Gateway) handleClearCache(w http.ResponseWriter, r *http.Request) {
	g.cache.Clear(r.Context())
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}

// handleResetBreakers returns every breaker to closed and refills the stdio
// restart budgets. Restart counters only reset through this endpoint.
func (g *Gateway) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	g.breakers.ResetAll()
	g.registry.ResetRestarts()
	g.logger.Info("all circuit breakers and restart counters reset")
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "breakers reset"})
}

// handleRoot describes the router.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"name":    Name,
		"version": Version,
		"servers": g.registry.ListServers(),
		"endpoints": []string{
			"POST /{server}/{path}",
			"POST /enhance",
			"GET /health",
			"GET /health/{server}",
			"GET /sse",
			"POST /sse/messages?session={id}",
			"GET /stats",
			"GET /tools/schemas",
			"POST /actions/clear-cache",
			"POST /actions/reset-breakers",
		},
	})
}

// writeJSON writes one JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// writeRPCError writes a JSON-RPC error body at the given HTTP status.
func (g *Gateway) writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data any) {
	g.writeJSON(w, status, jsonrpc.NewError(id, code, message, data))
}

// baseURL reconstructs the scheme and host clients should post messages to.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
