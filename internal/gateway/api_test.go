// ABOUTME: End-to-end tests for the public HTTP dispatcher over httptest servers.
// ABOUTME: Covers dispatch status mapping, breaker trips, enhancement, SSE, stats, and actions.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmegaTeee/mcp-router/internal/config"
)

// newFakeOllama serves just enough of the inference API for the gateway:
// model listing, completions, and embeddings.
func newFakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:3b"},{"name":"nomic-embed-text"}]}`)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"enhanced text"}`)
	})
	mux.HandleFunc("POST /api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[1,0,0]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newEchoUpstream answers every JSON-RPC request with a fixed result.
func newEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, req.ID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestGateway wires a full gateway against fake backends and returns its
// public HTTP surface.
func newTestGateway(t *testing.T, upstreamURL string, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	serversPath := filepath.Join(dir, "mcp-servers.json")
	servers := `{"servers":{"echo":{"transport":"http","url":"` + upstreamURL + `"}}}`
	require.NoError(t, os.WriteFile(serversPath, []byte(servers), 0o644))

	rulesPath := filepath.Join(dir, "enhancement-rules.json")
	rules := `{
		"default": {"enabled": true, "model": "llama3.2:3b", "system_prompt": "Improve clarity."},
		"clients": {"raycast": {"enabled": false}}
	}`
	require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o644))

	cfg := config.Default()
	cfg.Inference.URL = newFakeOllama(t).URL
	cfg.Inference.Timeout = 2 * time.Second
	// Unreachable vector store: the cache runs L1-only.
	cfg.VectorStore.URL = "http://127.0.0.1:1"
	cfg.Upstreams.ServersFile = serversPath
	cfg.Upstreams.CallTimeout = 2 * time.Second
	cfg.Enhancement.RulesFile = rulesPath
	cfg.Breakers.FailureThreshold = 3
	cfg.Breakers.RecoveryTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	g, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})

	srv := httptest.NewServer(g.requestLogging(g.routes()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDispatch_RoundTrip(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/echo/mcp", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(7), body["id"])
	assert.Equal(t, map[string]any{"ok": true}, body["result"])
}

func TestDispatch_UnknownServer(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/ghost", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody(t, resp)
	rpcErr := body["error"].(map[string]any)
	assert.Equal(t, float64(-32601), rpcErr["code"])
	assert.Equal(t, "unknown server", rpcErr["message"])
	data := rpcErr["data"].(map[string]any)
	assert.Equal(t, "ghost", data["server"])
	assert.Equal(t, []any{"echo"}, data["available"])
}

func TestDispatch_ParseError(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/echo", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	rpcErr := body["error"].(map[string]any)
	assert.Equal(t, float64(-32700), rpcErr["code"])
}

func TestDispatch_BreakerOpensAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer upstream.Close()

	srv := newTestGateway(t, upstream.URL, nil)
	req := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/echo", req, nil)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/echo", req, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody(t, resp)
	rpcErr := body["error"].(map[string]any)
	assert.Equal(t, float64(-32000), rpcErr["code"])
	data := rpcErr["data"].(map[string]any)
	assert.Greater(t, data["retry_after_ms"], float64(0))

	// After the recovery timeout one probe is allowed through.
	failing.Store(false)
	time.Sleep(80 * time.Millisecond)
	resp = postJSON(t, srv.URL+"/echo", req, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestEnhance_RewritesPrompt(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/enhance", `{"prompt":"fix my bug"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "fix my bug", body["original"])
	assert.Equal(t, "enhanced text", body["enhanced"])
	assert.Equal(t, "llama3.2:3b", body["model"])
	assert.Equal(t, false, body["cached"])
}

func TestEnhance_SecondCallIsCached(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/enhance", `{"prompt":"same prompt"}`, nil)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/enhance", `{"prompt":"same prompt"}`, nil)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, "enhanced text", body["enhanced"])
}

func TestEnhance_DisabledClientPassesThrough(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/enhance", `{"prompt":"hello"}`, map[string]string{"X-Client-Name": "raycast"})
	body := decodeBody(t, resp)
	assert.Equal(t, "hello", body["enhanced"])
	assert.Equal(t, true, body["skipped"])
}

func TestEnhance_EmptyPromptRejected(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/enhance", `{"prompt":""}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth_Aggregate(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	servers := body["servers"].([]any)
	require.Len(t, servers, 1)
	assert.Equal(t, "healthy", servers[0].(map[string]any)["status"])
}

func TestHealth_UnknownServer(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/health/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoot_DescribesRouter(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	assert.Equal(t, Name, body["name"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, []any{"echo"}, body["servers"])
}

func TestStats_ReportsRecentRequests(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/echo", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"X-Client-Name": "vscode"})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	sessions := body["sessions"].(map[string]any)
	assert.Equal(t, float64(0), sessions["active"])

	recent := body["recent_requests"].([]any)
	require.NotEmpty(t, recent)
	first := recent[0].(map[string]any)
	assert.Equal(t, "POST", first["method"])
	assert.Equal(t, "/echo", first["path"])
	assert.Equal(t, "vscode", first["client"])
}

func TestActions_ResetBreakers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	srv := newTestGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.Breakers.RecoveryTimeout = time.Hour
	})
	req := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/echo", req, nil)
		resp.Body.Close()
	}
	resp := postJSON(t, srv.URL+"/echo", req, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/actions/reset-breakers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Closed again, so the next call reaches the upstream.
	resp = postJSON(t, srv.URL+"/echo", req, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
}

func TestActions_ClearCache(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/enhance", `{"prompt":"cache me"}`, nil)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/actions/clear-cache", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/enhance", `{"prompt":"cache me"}`, nil)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["cached"])
}

func TestToolSchemas_FansOut(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/tools/schemas")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	servers := body["servers"].(map[string]any)
	assert.Equal(t, map[string]any{"ok": true}, servers["echo"])
}

// readSSEEvent reads one "event:"/"data:" pair from the stream.
func readSSEEvent(t *testing.T, r *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestSSE_SessionFlow(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	reader := bufio.NewReader(resp.Body)
	name, data := readSSEEvent(t, reader)
	assert.Equal(t, "endpoint", name)
	assert.Contains(t, data, "/sse/messages?session="+sessionID)

	post := postJSON(t, srv.URL+"/sse/messages?session="+sessionID,
		`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`,
		map[string]string{"X-MCP-Server": "echo"})
	require.Equal(t, http.StatusAccepted, post.StatusCode)
	post.Body.Close()

	name, data = readSSEEvent(t, reader)
	assert.Equal(t, "message", name)
	assert.Contains(t, data, `"result":{"ok":true}`)
	assert.Contains(t, data, `"id":42`)
}

func TestSSE_UnknownSessionRejected(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/sse/messages?session=nope",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSSE_ExplicitDisconnect(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	sessionID := resp.Header.Get("X-Session-Id")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sse/"+sessionID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, del.StatusCode)
	del.Body.Close()

	post := postJSON(t, srv.URL+"/sse/messages?session="+sessionID,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusNotFound, post.StatusCode)
	post.Body.Close()
}

func TestMetrics_Exposition(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newTestGateway(t, upstream.URL, nil)

	resp := postJSON(t, srv.URL+"/echo", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body),
		`mcp_router_http_requests_total{method="POST",route="POST /{server}",status="200"} 1`)
}
