// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, overrides, durations, and the servers file

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmegaTeee/mcp-router/internal/upstream"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
server:
  listen_addr: "127.0.0.1:8099"

inference:
  url: "http://ollama:11434"
  timeout: "45s"

vector_store:
  url: "http://qdrant:6333"
  collection: "prompts"

cache:
  max_size: 500
  similarity_threshold: 0.9
  embed_model: "nomic-embed-text"

breakers:
  failure_threshold: 5
  recovery_timeout: "10s"

sessions:
  max_sessions: 100
  idle_timeout: "2m"
  keepalive: "15s"

upstreams:
  servers_file: "/etc/mcp/servers.json"
  call_timeout: "20s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8099", cfg.Server.ListenAddr)
	assert.Equal(t, "http://ollama:11434", cfg.Inference.URL)
	assert.Equal(t, 45*time.Second, cfg.Inference.Timeout)
	assert.Equal(t, "prompts", cfg.VectorStore.Collection)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Breakers.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breakers.RecoveryTimeout)
	assert.Equal(t, 100, cfg.Sessions.MaxSessions)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sessions.KeepAlive)
	assert.Equal(t, 20*time.Second, cfg.Upstreams.CallTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "gateway.yaml", "server:\n  listen_addr: \"0.0.0.0:9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", cfg.Inference.URL)
	assert.Equal(t, "http://localhost:6333", cfg.VectorStore.URL)
	assert.Equal(t, "prompt_cache", cfg.VectorStore.Collection)
	assert.Equal(t, "nomic-embed-text", cfg.Cache.EmbedModel)
	assert.Equal(t, "configs/mcp-servers.json", cfg.Upstreams.ServersFile)
	assert.Equal(t, "configs/enhancement-rules.json", cfg.Enhancement.RulesFile)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_OLLAMA_HOST", "ollama.internal")

	path := writeFile(t, "gateway.yaml", `
inference:
  url: "http://${TEST_OLLAMA_HOST}:11434"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://ollama.internal:11434", cfg.Inference.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INFERENCE_URL", "http://override:11434")
	t.Setenv("VECTOR_STORE_URL", "http://override:6333")
	t.Setenv("LISTEN_PORT", "7777")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("MCP_SERVERS_CONFIG", "/tmp/servers.json")
	t.Setenv("ENHANCE_RULES_CONFIG", "/tmp/rules.json")

	path := writeFile(t, "gateway.yaml", `
server:
  listen_addr: "0.0.0.0:9090"
inference:
  url: "http://file:11434"
logging:
  level: "info"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override:11434", cfg.Inference.URL)
	assert.Equal(t, "http://override:6333", cfg.VectorStore.URL)
	assert.Equal(t, "0.0.0.0:7777", cfg.Server.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/servers.json", cfg.Upstreams.ServersFile)
	assert.Equal(t, "/tmp/rules.json", cfg.Enhancement.RulesFile)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
breakers:
  recovery_timeout: "not-a-duration"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_timeout")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
logging:
  level: "loud"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoad_InvalidThreshold(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
cache:
  similarity_threshold: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadServers(t *testing.T) {
	path := writeFile(t, "mcp-servers.json", `{
		"servers": {
			"playwright": {
				"transport": "http",
				"url": "http://localhost:3000/mcp",
				"health_endpoint": "/health"
			},
			"filesystem": {
				"transport": "stdio",
				"command": ["npx", "-y", "@modelcontextprotocol/server-filesystem", "/data"],
				"env": {"FS_ROOT": "/data"}
			}
		}
	}`)

	servers, err := LoadServers(path, 25*time.Second)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	// Sorted by name.
	assert.Equal(t, "filesystem", servers[0].Name)
	assert.Equal(t, upstream.TransportStdio, servers[0].Transport)
	assert.Equal(t, []string{"npx", "-y", "@modelcontextprotocol/server-filesystem", "/data"}, servers[0].Command)
	assert.Equal(t, map[string]string{"FS_ROOT": "/data"}, servers[0].Env)
	assert.Equal(t, 25*time.Second, servers[0].Timeout)

	assert.Equal(t, "playwright", servers[1].Name)
	assert.Equal(t, upstream.TransportHTTP, servers[1].Transport)
	assert.Equal(t, "http://localhost:3000/mcp", servers[1].URL)
	assert.Equal(t, "/health", servers[1].HealthEndpoint)
}

func TestLoadServers_PerServerTimeout(t *testing.T) {
	path := writeFile(t, "mcp-servers.json", `{
		"servers": {
			"slow": {"transport": "http", "url": "http://localhost:4000", "timeout_ms": 120000}
		}
	}`)

	servers, err := LoadServers(path, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, 2*time.Minute, servers[0].Timeout)
}

func TestLoadServers_MissingFileIsEmpty(t *testing.T) {
	servers, err := LoadServers(filepath.Join(t.TempDir(), "nope.json"), 0)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestLoadServers_UnknownTransport(t *testing.T) {
	path := writeFile(t, "mcp-servers.json", `{"servers": {"x": {"transport": "smoke-signal"}}}`)
	_, err := LoadServers(path, 0)
	assert.Error(t, err)
}

func TestLoadServers_MalformedJSON(t *testing.T) {
	path := writeFile(t, "mcp-servers.json", "{oops")
	_, err := LoadServers(path, 0)
	assert.Error(t, err)
}
