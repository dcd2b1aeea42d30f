// ABOUTME: HTTP transport adapter: posts JSON-RPC requests to an upstream URL.
// ABOUTME: Non-2xx status, timeout, or an unparseable body are transport failures.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
)

const healthProbeTimeout = 5 * time.Second

// HTTPAdapter calls an MCP server over HTTP.
type HTTPAdapter struct {
	name           string
	url            string
	healthEndpoint string
	client         *http.Client
	logger         *slog.Logger
}

// NewHTTPAdapter creates an adapter for an HTTP-transport server.
func NewHTTPAdapter(cfg ServerConfig, logger *slog.Logger) (*HTTPAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server %s: http transport requires a url", cfg.Name)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("server %s: invalid url: %w", cfg.Name, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdapter{
		name:           cfg.Name,
		url:            strings.TrimSuffix(cfg.URL, "/"),
		healthEndpoint: cfg.HealthEndpoint,
		client:         &http.Client{Timeout: timeout},
		logger:         logger,
	}, nil
}

func (a *HTTPAdapter) Name() string      { return a.name }
func (a *HTTPAdapter) Transport() string { return TransportHTTP }

// Call posts the request body and parses the response as JSON-RPC.
func (a *HTTPAdapter) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("calling %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server %s returned HTTP %d", a.name, resp.StatusCode)
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", a.name, err)
	}
	return &rpcResp, nil
}

// Healthy probes the configured health endpoint, or reports true when the
// server declares none.
func (a *HTTPAdapter) Healthy(ctx context.Context) bool {
	if a.healthEndpoint == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.healthURL(), nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// healthURL resolves the health endpoint against the server's base URL.
func (a *HTTPAdapter) healthURL() string {
	if strings.HasPrefix(a.healthEndpoint, "http://") || strings.HasPrefix(a.healthEndpoint, "https://") {
		return a.healthEndpoint
	}
	base, err := url.Parse(a.url)
	if err != nil {
		return a.url + a.healthEndpoint
	}
	base.Path = a.healthEndpoint
	base.RawQuery = ""
	return base.String()
}

// Close is a no-op; the shared transport pool is reclaimed by the runtime.
func (a *HTTPAdapter) Close(context.Context) error { return nil }
