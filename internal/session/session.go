// ABOUTME: SSE session layer: one session per connected client, bridging POSTed JSON-RPC
// ABOUTME: requests to upstream servers and streaming responses back as SSE events.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OmegaTeee/mcp-router/internal/jsonrpc"
	"github.com/OmegaTeee/mcp-router/internal/upstream"
)

// Defaults for the session table.
const (
	DefaultMaxSessions = 1000
	DefaultIdleTimeout = 5 * time.Minute
	DefaultKeepAlive   = 30 * time.Second

	requestQueueSize = 32
	eventQueueSize   = 32
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrTooManySessions = errors.New("session limit reached")
	ErrSessionBusy     = errors.New("session request queue full")
)

// Router dispatches one JSON-RPC request to a named upstream server.
// Satisfied by upstream.Registry.
type Router interface {
	Call(ctx context.Context, server string, req *jsonrpc.Request) (*jsonrpc.Response, error)
	ListServers() []string
}

// Event is one SSE frame. An empty Name renders a comment, which clients
// ignore but which keeps intermediaries from timing out the stream.
type Event struct {
	Name string
	Data string
}

// Format renders the event in wire form.
func (e Event) Format() string {
	if e.Name == "" {
		return ": " + e.Data + "\n\n"
	}
	return "event: " + e.Name + "\ndata: " + e.Data + "\n\n"
}

// KeepAliveEvent is the comment frame emitted on stream silence.
var KeepAliveEvent = Event{Data: "keepalive"}

// inbound pairs a request with its target server.
type inbound struct {
	server string
	req    *jsonrpc.Request
}

// Session is one SSE connection. The worker goroutine consumes the request
// queue in arrival order and emits each response as a message event.
type Session struct {
	ID        string
	CreatedAt time.Time

	requests chan inbound
	events   chan Event
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

// Events is the stream the HTTP handler writes to the wire.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// send queues an event unless the session ended or the client stopped reading.
func (s *Session) send(ev Event) {
	select {
	case <-s.done:
	case s.events <- ev:
	default:
	}
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration
	KeepAlive   time.Duration
	Router      Router
	Logger      *slog.Logger
}

// Manager owns the session table, bounded by count and idle timeout.
type Manager struct {
	maxSessions int
	idleTimeout time.Duration
	keepAlive   time.Duration
	router      Router
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts its idle reaper.
func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		keepAlive:   cfg.KeepAlive,
		router:      cfg.Router,
		logger:      cfg.Logger,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
	go m.reap()
	return m
}

// KeepAliveInterval is how long the stream may stay silent before a
// keepalive comment is due.
func (m *Manager) KeepAliveInterval() time.Duration { return m.keepAlive }

// Open allocates a session and queues the initial endpoint event carrying
// the URL clients must POST messages to.
func (m *Manager) Open(baseURL string) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}

	s := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now(),
		requests:   make(chan inbound, requestQueueSize),
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.send(Event{Name: "endpoint", Data: baseURL + "/sse/messages?session=" + s.ID})
	go m.work(s)

	m.logger.Info("sse session opened", "session", s.ID)
	return s, nil
}

// Post enqueues a request on a session. The response arrives on the event
// stream, not in the HTTP response to this call.
func (m *Manager) Post(sessionID, server string, req *jsonrpc.Request) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	select {
	case <-s.done:
		return ErrUnknownSession
	default:
	}

	s.touch()

	if server == "" {
		if servers := m.router.ListServers(); len(servers) > 0 {
			server = servers[0]
		}
	}

	select {
	case s.requests <- inbound{server: server, req: req}:
		return nil
	default:
		return ErrSessionBusy
	}
}

// Close ends one session, reporting whether it existed.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.close()
		m.logger.Info("sse session closed", "session", sessionID)
	}
	return ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown emits a terminal event on every session and closes the table.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.send(Event{Name: "close", Data: "server shutting down"})
		s.close()
	}
}

// work consumes one session's queue. Requests dispatch in arrival order;
// each response is sent before the next request starts.
func (m *Manager) work(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case in := <-s.requests:
			resp := m.dispatch(in)
			data, err := json.Marshal(resp)
			if err != nil {
				m.logger.Error("encoding sse response", "session", s.ID, "error", err)
				continue
			}
			// Every accepted request must produce a response event, so the
			// worker blocks here until the stream drains or the session ends.
			select {
			case <-s.done:
				return
			case s.events <- Event{Name: "message", Data: string(data)}:
				s.touch()
			}
		}
	}
}

// dispatch routes one queued request and maps transport failures to
// JSON-RPC errors so the client always receives a response event.
func (m *Manager) dispatch(in inbound) *jsonrpc.Response {
	if in.server == "" {
		return jsonrpc.NewError(in.req.ID, jsonrpc.CodeInvalidRequest, "no target server specified", nil)
	}

	resp, err := m.router.Call(context.Background(), in.server, in.req)
	if err == nil {
		return resp
	}

	switch {
	case errors.Is(err, upstream.ErrUnknownServer):
		return jsonrpc.NewError(in.req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown server: %s", in.server), nil)
	case errors.Is(err, upstream.ErrCircuitOpen):
		var coe *upstream.CircuitOpenError
		data := map[string]any{}
		if errors.As(err, &coe) {
			data["retry_after_ms"] = coe.RetryAfter.Milliseconds()
		}
		return jsonrpc.NewError(in.req.ID, jsonrpc.CodeServerError, err.Error(), data)
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewError(in.req.ID, jsonrpc.CodeTimeout,
			fmt.Sprintf("server %s timed out", in.server), nil)
	default:
		return jsonrpc.NewError(in.req.ID, jsonrpc.CodeServerError, err.Error(), nil)
	}
}

// reap closes sessions idle past the timeout.
func (m *Manager) reap() {
	interval := m.idleTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idleTimeout)
			m.mu.Lock()
			var expired []*Session
			for id, s := range m.sessions {
				if s.idleSince().Before(cutoff) {
					expired = append(expired, s)
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()

			for _, s := range expired {
				m.logger.Info("sse session expired", "session", s.ID)
				s.close()
			}
		}
	}
}
