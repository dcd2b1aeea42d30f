// Package config handles configuration loading for mcp-router.
//
// # Overview
//
// The gateway configuration is loaded from a YAML file with environment
// variable expansion. Two JSON descriptor files ride alongside it: the
// upstream server list (mcp-servers.json) and the enhancement rules
// (enhancement-rules.json), whose paths the YAML file points at.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the MCP_ROUTER_CONFIG environment variable
//  2. ./configs/gateway.yaml (current directory)
//
// When neither exists the built-in defaults apply.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	inference:
//	  url: "${INFERENCE_URL}"
//
// Syntax: ${VAR_NAME}
//
// The dedicated override variables INFERENCE_URL, VECTOR_STORE_URL,
// LISTEN_PORT, LOG_LEVEL, MCP_SERVERS_CONFIG, and ENHANCE_RULES_CONFIG
// take precedence over file values. Unrecognized variables are ignored.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	breakers:
//	  recovery_timeout: "30s"
//	sessions:
//	  idle_timeout: "5m"
//	  keepalive: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen_addr: "0.0.0.0:9090"
//
// Inference service (Ollama-compatible):
//
//	inference:
//	  url: "http://localhost:11434"
//	  timeout: "60s"
//
// Vector store (Qdrant-compatible):
//
//	vector_store:
//	  url: "http://localhost:6333"
//	  collection: "prompt_cache"
//
// Prompt cache:
//
//	cache:
//	  max_size: 1000
//	  similarity_threshold: 0.85
//	  embed_model: "nomic-embed-text"
//
// Upstream servers:
//
//	upstreams:
//	  servers_file: "configs/mcp-servers.json"
//	  call_timeout: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("configs/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
