// ABOUTME: Entry point for the mcp-router gateway server
// ABOUTME: Routes MCP clients to local servers with caching and enhancement

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/OmegaTeee/mcp-router/internal/config"
	"github.com/OmegaTeee/mcp-router/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __ ___   ___ _ __        _ __ ___  _   _| |_ ___ _ __
 | '_ ' _ \ / __| '_ \ _____| '__/ _ \| | | | __/ _ \ '__|
 | | | | | | (__| |_) |_____| | | (_) | |_| | ||  __/ |
 |_| |_| |_|\___| .__/      |_|  \___/ \__,_|\__\___|_|
                |_|
`

// getConfigPath returns the path to the router config file.
// Priority: MCP_ROUTER_CONFIG env var > ./configs/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_ROUTER_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join("configs", "gateway.yaml")
}

// loadConfig reads the config file, falling back to built-in defaults when
// no file exists at the resolved path.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the router")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check router health")
		fmt.Println("  stats    Show cache and session statistics")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Inference: %s\n", cfg.Inference.URL)
	green.Print("    ▶ ")
	fmt.Printf("Vectors:   %s\n", cfg.VectorStore.URL)
	fmt.Println()

	logger.Info("starting mcp-router",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"inference_url", cfg.Inference.URL,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	body, err := fetch(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println(string(body))
	return nil
}

func runStats(ctx context.Context) error {
	body, err := fetch(ctx, "/stats")
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	fmt.Println(string(body))
	return nil
}

// fetch GETs one router endpoint using the configured listen address.
func fetch(ctx context.Context, path string) ([]byte, error) {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.ListenAddr
	if host, port, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "") {
		addr = "127.0.0.1:" + port
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcp-router configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	// Output filename
	outputFile := prompt(reader, "Config file path", getConfigPath())

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	listenAddr := prompt(reader, "Listen address", config.DefaultListenAddr)

	// Backing services
	fmt.Println("\n--- Backing Services ---")
	inferenceURL := prompt(reader, "Inference service URL", "http://localhost:11434")
	vectorURL := prompt(reader, "Vector store URL", "http://localhost:6333")

	// Cache
	fmt.Println("\n--- Prompt Cache ---")
	maxSize := prompt(reader, "L1 cache entries", "100")
	threshold := prompt(reader, "L2 similarity threshold", "0.92")
	embedModel := prompt(reader, "Embedding model", "nomic-embed-text")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# mcp-router configuration\n")
	cfg.WriteString("# Generated by mcp-router init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  listen_addr: \"%s\"\n", listenAddr))
	cfg.WriteString("\n")

	cfg.WriteString("inference:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", inferenceURL))
	cfg.WriteString("  timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("vector_store:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", vectorURL))
	cfg.WriteString("  collection: \"prompt_cache\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	cfg.WriteString(fmt.Sprintf("  max_size: %s\n", maxSize))
	cfg.WriteString(fmt.Sprintf("  similarity_threshold: %s\n", threshold))
	cfg.WriteString(fmt.Sprintf("  embed_model: \"%s\"\n", embedModel))
	cfg.WriteString("\n")

	cfg.WriteString("breakers:\n")
	cfg.WriteString("  failure_threshold: 3\n")
	cfg.WriteString("  recovery_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  max_sessions: 1000\n")
	cfg.WriteString("  idle_timeout: \"5m\"\n")
	cfg.WriteString("  keepalive: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("upstreams:\n")
	cfg.WriteString("  servers_file: \"configs/mcp-servers.json\"\n")
	cfg.WriteString("  call_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("enhancement:\n")
	cfg.WriteString("  rules_file: \"configs/enhancement-rules.json\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the router:")
	fmt.Printf("  mcp-router serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
