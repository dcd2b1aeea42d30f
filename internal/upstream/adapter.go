// ABOUTME: Transport adapter contract for upstream MCP servers plus shared server config.
// ABOUTME: Adapters hide whether a server is a stdio subprocess or an HTTP endpoint.

package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
)

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultCallTimeout bounds a single upstream call when the server config
// does not set one.
const DefaultCallTimeout = 30 * time.Second

// Sentinel errors for dispatch outcomes the HTTP layer maps to status codes.
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrCircuitOpen   = errors.New("circuit breaker open")
	ErrMaxRestarts   = errors.New("restart limit exceeded")
	ErrNotRunning    = errors.New("server process not running")
)

// CircuitOpenError carries the retry hint for a rejected call.
type CircuitOpenError struct {
	Server     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker open for " + e.Server
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// ServerConfig describes one upstream MCP server.
type ServerConfig struct {
	Name           string
	Transport      string            // "stdio" or "http"
	URL            string            // http only
	Command        []string          // stdio only
	HealthEndpoint string            // http only, optional
	Env            map[string]string // stdio only, merged over the parent env
	Timeout        time.Duration     // per-call deadline, DefaultCallTimeout when zero
}

// Adapter is a callable upstream server regardless of transport.
type Adapter interface {
	Name() string
	Transport() string

	// Call sends one JSON-RPC request and returns the parsed response.
	// A returned error is a transport failure; a JSON-RPC error payload
	// inside the response is a successful call.
	Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// Healthy reports whether the server is reachable right now.
	Healthy(ctx context.Context) bool

	// Close releases the adapter's resources. Safe to call more than once.
	Close(ctx context.Context) error
}
