// ABOUTME: Stdio transport adapter: wraps an MCP server subprocess speaking newline-delimited JSON-RPC.
// ABOUTME: Serializes calls through one mutex and restarts crashed processes under a bounded counter.

package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
)

const (
	// DefaultMaxRestarts caps respawn attempts before the adapter reports a
	// permanent failure.
	DefaultMaxRestarts = 3

	// stopGrace is how long a terminated process gets before the hard kill.
	stopGrace = 5 * time.Second

	// maxLineBytes bounds one response line from the subprocess.
	maxLineBytes = 16 << 20
)

// StdioAdapter runs an MCP server as a child process and exchanges one
// request line for one response line over its pipes. The protocol allows a
// single in-flight request, so every call holds the adapter mutex end to end.
type StdioAdapter struct {
	name        string
	command     []string
	env         map[string]string
	timeout     time.Duration
	maxRestarts int
	logger      *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        *os.File
	stdout       *bufio.Reader
	stdoutFile   *os.File
	exited       chan struct{}
	restartCount int
	nextID       int64
	closed       bool
}

// NewStdioAdapter creates an adapter for a stdio-transport server. The
// subprocess is not started until the first call or an explicit Start.
func NewStdioAdapter(cfg ServerConfig, logger *slog.Logger) (*StdioAdapter, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("server %s: stdio transport requires a command", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioAdapter{
		name:        cfg.Name,
		command:     cfg.Command,
		env:         cfg.Env,
		timeout:     timeout,
		maxRestarts: DefaultMaxRestarts,
		logger:      logger,
	}, nil
}

func (a *StdioAdapter) Name() string      { return a.name }
func (a *StdioAdapter) Transport() string { return TransportStdio }

// Start launches the subprocess if it is not already running.
func (a *StdioAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("server %s: %w", a.name, ErrNotRunning)
	}
	if a.runningLocked() {
		return nil
	}
	return a.startLocked()
}

// startLocked spawns the child and wires up the pipes. Must hold mu.
//
// The pipes are hand-made rather than cmd.StdinPipe and friends: Wait closes
// pipes it created, and the waiter goroutine below runs concurrently with
// reads, so a child that answers and immediately exits could have its last
// response line yanked away mid-read. With our own fds, Wait only reaps the
// process and the read side stays valid until we close it.
func (a *StdioAdapter) startLocked() error {
	cmd := exec.Command(a.command[0], a.command[1:]...)
	cmd.Env = mergeEnv(os.Environ(), a.env)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("server %s: stdin pipe: %w", a.name, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("server %s: stdout pipe: %w", a.name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("server %s: stderr pipe: %w", a.name, err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("server %s: starting %s: %w", a.name, a.command[0], err)
	}

	// The child holds its own copies now; drop ours so EOF propagates on exit.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	a.cmd = cmd
	a.stdin = stdinW
	a.stdout = bufio.NewReaderSize(stdoutR, 64<<10)
	a.stdoutFile = stdoutR
	a.exited = make(chan struct{})

	go a.drainStderr(stderrR)

	exited := a.exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	a.logger.Info("stdio server started",
		"server", a.name, "pid", cmd.Process.Pid, "command", strings.Join(a.command, " "))
	return nil
}

// drainStderr logs child diagnostics; most MCP servers chatter on stderr.
func (a *StdioAdapter) drainStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		a.logger.Debug("stdio server stderr", "server", a.name, "line", scanner.Text())
	}
}

// runningLocked reports whether the child is alive. Must hold mu.
func (a *StdioAdapter) runningLocked() bool {
	if a.cmd == nil {
		return false
	}
	select {
	case <-a.exited:
		return false
	default:
		return true
	}
}

// restartLocked stops and respawns the child under the restart cap. Must hold mu.
func (a *StdioAdapter) restartLocked() error {
	if a.restartCount >= a.maxRestarts {
		return fmt.Errorf("server %s: %w (%d attempts)", a.name, ErrMaxRestarts, a.maxRestarts)
	}
	a.restartCount++
	a.logger.Warn("restarting stdio server",
		"server", a.name, "attempt", a.restartCount, "max", a.maxRestarts)
	a.stopLocked()
	return a.startLocked()
}

// Call writes one request line and reads one response line under the
// configured deadline. A timeout triggers a restart so the next call gets a
// clean pipe.
func (a *StdioAdapter) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("server %s: %w", a.name, ErrNotRunning)
	}
	if !a.runningLocked() {
		if a.cmd == nil {
			if err := a.startLocked(); err != nil {
				return nil, err
			}
		} else if err := a.restartLocked(); err != nil {
			return nil, err
		}
	}

	// The one-line protocol needs an id to pair the response with.
	send := *req
	if send.IsNotification() {
		a.nextID++
		send.ID = json.RawMessage(strconv.FormatInt(a.nextID, 10))
	}

	line, err := json.Marshal(&send)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", a.name, err)
	}
	line = append(line, '\n')

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("writing to %s: %w", a.name, err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	stdout := a.stdout
	go func() {
		l, err := readLine(stdout)
		ch <- readResult{line: l, err: err}
	}()

	select {
	case <-ctx.Done():
		a.logger.Error("stdio server timed out", "server", a.name, "timeout", a.timeout)
		if err := a.restartLocked(); err != nil {
			a.logger.Error("restart after timeout failed", "server", a.name, "error", err)
		}
		return nil, fmt.Errorf("server %s: %w", a.name, ctx.Err())

	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("server %s closed connection: %w", a.name, r.err)
		}
		resp, err := parseResponse(r.line)
		if err != nil {
			return nil, fmt.Errorf("invalid response from %s: %w", a.name, err)
		}
		return resp, nil
	}
}

// readLine reads one newline-terminated frame, rejecting oversized lines.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadBytes('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxLineBytes {
				return nil, fmt.Errorf("response line exceeds %d bytes", maxLineBytes)
			}
			continue
		}
		return nil, err
	}
}

// parseResponse decodes one response frame.
func parseResponse(line []byte) (*jsonrpc.Response, error) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthy reports whether the child process is running.
func (a *StdioAdapter) Healthy(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runningLocked()
}

// ResetRestarts clears the restart counter, re-arming a capped adapter.
func (a *StdioAdapter) ResetRestarts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restartCount = 0
}

// PID returns the child pid, or zero when not running.
func (a *StdioAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningLocked() {
		return a.cmd.Process.Pid
	}
	return 0
}

// RestartCount returns how many respawns have been consumed.
func (a *StdioAdapter) RestartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restartCount
}

// Close stops the child for good. Stdin closes first so cooperating servers
// can exit on their own before the signal arrives.
func (a *StdioAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopLocked()
	return nil
}

// stopLocked terminates the child: close stdin, SIGTERM, then SIGKILL after
// the grace period. Must hold mu.
func (a *StdioAdapter) stopLocked() {
	if a.cmd == nil {
		return
	}
	a.logger.Info("stopping stdio server", "server", a.name)

	if a.stdin != nil {
		_ = a.stdin.Close()
	}

	select {
	case <-a.exited:
	default:
		_ = a.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-a.exited:
		case <-time.After(stopGrace):
			a.logger.Warn("force killing stdio server", "server", a.name)
			_ = a.cmd.Process.Kill()
			<-a.exited
		}
	}

	if a.stdoutFile != nil {
		_ = a.stdoutFile.Close()
	}

	a.cmd = nil
	a.stdin = nil
	a.stdout = nil
	a.stdoutFile = nil
}

// mergeEnv appends overrides to the parent environment. Later entries win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
