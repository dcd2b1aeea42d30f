// Package upstream manages connections to the configured MCP servers.
//
// Each server is reached through a transport adapter: a long-lived stdio
// subprocess speaking line-delimited JSON-RPC, or a plain HTTP endpoint.
// The Registry routes calls by server name, guards every server with a
// circuit breaker, and restarts crashed subprocesses up to a cap.
package upstream
