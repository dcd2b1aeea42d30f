// ABOUTME: Loader for the mcp-servers.json upstream descriptor file
// ABOUTME: Produces upstream.ServerConfig values sorted by name for stable startup order

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/upstream"
)

// serverEntry mirrors one entry in mcp-servers.json.
type serverEntry struct {
	Transport      string            `json:"transport"`
	URL            string            `json:"url,omitempty"`
	Command        []string          `json:"command,omitempty"`
	HealthEndpoint string            `json:"health_endpoint,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutMS      int               `json:"timeout_ms,omitempty"`
}

// serversFile is the top-level shape of mcp-servers.json.
type serversFile struct {
	Servers map[string]serverEntry `json:"servers"`
}

// LoadServers reads the upstream descriptor file. A missing file yields an
// empty list so the router can run with no upstreams configured.
func LoadServers(path string, callTimeout time.Duration) ([]upstream.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading servers file: %w", err)
	}

	var parsed serversFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing servers file %s: %w", path, err)
	}

	names := make([]string, 0, len(parsed.Servers))
	for name := range parsed.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]upstream.ServerConfig, 0, len(names))
	for _, name := range names {
		entry := parsed.Servers[name]
		switch entry.Transport {
		case upstream.TransportStdio, upstream.TransportHTTP:
		default:
			return nil, fmt.Errorf("server %s: unknown transport %q", name, entry.Transport)
		}

		timeout := callTimeout
		if entry.TimeoutMS > 0 {
			timeout = time.Duration(entry.TimeoutMS) * time.Millisecond
		}

		configs = append(configs, upstream.ServerConfig{
			Name:           name,
			Transport:      entry.Transport,
			URL:            entry.URL,
			Command:        entry.Command,
			HealthEndpoint: entry.HealthEndpoint,
			Env:            entry.Env,
			Timeout:        timeout,
		})
	}
	return configs, nil
}
