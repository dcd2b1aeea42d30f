// Package gateway orchestrates the mcp-router server components.
//
// # Overview
//
// The gateway package is the central coordinator of the router. It owns and
// manages all major components: the upstream server registry, circuit breaker
// registry, two-tier prompt cache, enhancement middleware, SSE session
// manager, and the public HTTP server.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    inference  *inference.Client
//	    cache      *cache.PromptCache
//	    enhancer   *enhance.Middleware
//	    breakers   *breaker.Registry
//	    registry   *upstream.Registry
//	    sessions   *session.Manager
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /{server}/{path} - Forward a JSON-RPC request to an upstream
//   - POST /enhance - Rewrite a prompt through the enhancement middleware
//   - GET /health - Aggregate health of services, breakers, and servers
//   - GET /health/{server} - Health of one upstream
//   - GET /sse - Open an SSE session
//   - POST /sse/messages?session={id} - Enqueue a request on a session
//   - DELETE /sse/{session} - Close a session
//   - GET /stats - Cache statistics, session count, recent requests
//   - GET /tools/schemas - tools/list fanned out to every upstream
//   - POST /actions/clear-cache - Empty both cache tiers
//   - POST /actions/reset-breakers - Close all breakers, refill restart budgets
//   - GET /metrics - Prometheus exposition (when enabled)
//
// # Dispatch Status Mapping
//
// Transport failures from the registry become HTTP statuses carrying
// JSON-RPC error bodies:
//
//   - unknown server: 404 with code -32601 and the available server list
//   - circuit open: 503 with code -32000 and retry_after_ms
//   - upstream timeout: 504 with code -32001
//   - other transport failure: 502 with code -32000
//
// A JSON-RPC error returned by the upstream itself is a successful
// dispatch: it passes through at 200 and never trips the breaker.
//
// # SSE Streaming
//
// Sessions stream responses as Server-Sent Events:
//
//	event: endpoint
//	data: http://host/sse/messages?session=...
//
//	event: message
//	data: {"jsonrpc":"2.0","id":1,"result":{...}}
//
// Keepalive comments are written on an idle stream at the configured
// interval.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run drains the HTTP server, closes every session, and stops every stdio
// subprocess before returning.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers, dispatch status mapping, SSE streaming
//   - middleware.go: request logging and metrics middleware
package gateway
