// ABOUTME: Configuration loading and parsing for mcp-router
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is used when neither config nor LISTEN_PORT set one.
const DefaultListenAddr = "0.0.0.0:9090"

// Config represents the complete mcp-router configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Inference   InferenceConfig   `yaml:"inference"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Breakers    BreakerConfig     `yaml:"breakers"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Upstreams   UpstreamConfig    `yaml:"upstreams"`
	Enhancement EnhancementConfig `yaml:"enhancement"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds the public listen address
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// InferenceConfig points at the Ollama-compatible inference service
type InferenceConfig struct {
	URL string `yaml:"url"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// VectorStoreConfig points at the Qdrant-compatible vector store
type VectorStoreConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
}

// CacheConfig tunes the two-tier prompt cache
type CacheConfig struct {
	MaxSize             int     `yaml:"max_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	EmbedModel          string  `yaml:"embed_model"`
}

// BreakerConfig tunes the per-upstream circuit breakers
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`

	RecoveryTimeout    time.Duration `yaml:"-"`
	RecoveryTimeoutRaw string        `yaml:"recovery_timeout"`
}

// SessionConfig bounds the SSE session table
type SessionConfig struct {
	MaxSessions int `yaml:"max_sessions"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`

	KeepAlive    time.Duration `yaml:"-"`
	KeepAliveRaw string        `yaml:"keepalive"`
}

// UpstreamConfig locates the server descriptor file and the default call deadline
type UpstreamConfig struct {
	ServersFile string `yaml:"servers_file"`

	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// EnhancementConfig locates the enhancement rules file
type EnhancementConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded inside the file;
// the dedicated override variables (INFERENCE_URL, VECTOR_STORE_URL, LISTEN_PORT,
// LOG_LEVEL, MCP_SERVERS_CONFIG, ENHANCE_RULES_CONFIG) win over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Inference.URL == "" {
		c.Inference.URL = "http://localhost:11434"
	}
	if c.VectorStore.URL == "" {
		c.VectorStore.URL = "http://localhost:6333"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "prompt_cache"
	}
	if c.Cache.EmbedModel == "" {
		c.Cache.EmbedModel = "nomic-embed-text"
	}
	if c.Upstreams.ServersFile == "" {
		c.Upstreams.ServersFile = "configs/mcp-servers.json"
	}
	if c.Enhancement.RulesFile == "" {
		c.Enhancement.RulesFile = "configs/enhancement-rules.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// applyEnv applies the recognized environment overrides. Unrecognized
// variables are ignored.
func (c *Config) applyEnv() {
	if v := os.Getenv("INFERENCE_URL"); v != "" {
		c.Inference.URL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		c.VectorStore.URL = v
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		c.Server.ListenAddr = "0.0.0.0:" + v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MCP_SERVERS_CONFIG"); v != "" {
		c.Upstreams.ServersFile = v
	}
	if v := os.Getenv("ENHANCE_RULES_CONFIG"); v != "" {
		c.Enhancement.RulesFile = v
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Inference.URL == "" {
		return fmt.Errorf("inference.url is required")
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache.max_size must not be negative")
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be between 0 and 1")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Inference.TimeoutRaw, "inference.timeout", &cfg.Inference.Timeout},
		{cfg.Breakers.RecoveryTimeoutRaw, "breakers.recovery_timeout", &cfg.Breakers.RecoveryTimeout},
		{cfg.Sessions.IdleTimeoutRaw, "sessions.idle_timeout", &cfg.Sessions.IdleTimeout},
		{cfg.Sessions.KeepAliveRaw, "sessions.keepalive", &cfg.Sessions.KeepAlive},
		{cfg.Upstreams.CallTimeoutRaw, "upstreams.call_timeout", &cfg.Upstreams.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
