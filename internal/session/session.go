package session

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/metrics"
	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Session caps.
const (
	MaxSessions    = 1024
	MaxInflight    = 256
	IdleTimeout    = 15 * time.Minute
	RequestTimeout = 30 * time.Second
	shardCount     = 16
)

// Sender delivers one response frame back to the client. Transports
// supply it; implementations must be safe for concurrent use.
type Sender func(Response)

// Session is one client connection. Requests dispatch in arrival order
// on a single worker goroutine, so two calls from the same session
// never interleave.
type Session struct {
	ID         string
	agents     *registry.SessionContext
	router     *Router
	send       Sender
	logger     *zap.Logger
	inbox      chan *Request
	closed     chan struct{}
	once       sync.Once
	lastActive atomic.Int64
	inflight   atomic.Int64
}

func newSession(id string, agents *registry.SessionContext, router *Router, send Sender, logger *zap.Logger) *Session {
	s := &Session{
		ID:     id,
		agents: agents,
		router: router,
		send:   send,
		logger: logger,
		inbox:  make(chan *Request, MaxInflight),
		closed: make(chan struct{}),
	}
	s.touch()
	return s
}

// Agents exposes the session's current-agent context.
func (s *Session) Agents() *registry.SessionContext { return s.agents }

// Submit enqueues one request. A full inbox rejects immediately rather
// than stalling the transport's read loop.
func (s *Session) Submit(req *Request) {
	s.touch()
	select {
	case <-s.closed:
		return
	default:
	}
	if int(s.inflight.Load()) >= MaxInflight {
		s.send(errResponse(req.ID, types.E(types.KindRateLimited, "too many in-flight requests on this session")))
		return
	}
	s.inflight.Add(1)
	select {
	case s.inbox <- req:
	case <-s.closed:
		s.inflight.Add(-1)
	}
}

// run is the per-session worker loop.
func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case req := <-s.inbox:
			s.dispatch(ctx, req)
			s.inflight.Add(-1)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, req *Request) {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	start := time.Now()
	resp := s.router.Dispatch(reqCtx, s, req)
	s.touch()
	s.logger.Debug("tool call",
		zap.String("session_id", s.ID),
		zap.String("tool", req.Tool),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", resp.Error == nil),
	)
	s.send(resp)
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

// Manager owns every live session in a sharded map.
type Manager struct {
	router   *Router
	registry *registry.Registry
	logger   *zap.Logger
	metrics  metrics.Metrics

	shards [shardCount]struct {
		mu       sync.Mutex
		sessions map[string]*Session
	}
	count       atomic.Int64
	idleTimeout time.Duration
}

// NewManager creates a session manager.
func NewManager(router *Router, reg *registry.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{router: router, registry: reg, logger: logger, metrics: metrics.Nop{}, idleTimeout: IdleTimeout}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*Session)
	}
	return m
}

// WithMetrics replaces the default no-op metrics sink.
func (m *Manager) WithMetrics(sink metrics.Metrics) *Manager {
	m.metrics = sink
	return m
}

// Open creates a session bound to the given starting agent and starts
// its worker. Exceeding the session cap rejects with a rate-limit error.
func (m *Manager) Open(ctx context.Context, initial *types.Agent, send Sender) (*Session, error) {
	if m.count.Load() >= MaxSessions {
		return nil, types.E(types.KindRateLimited, "session limit reached")
	}
	id := uuid.NewString()
	s := newSession(id, registry.NewSessionContext(m.registry, initial), m.router, send, m.logger)

	sh := m.shard(id)
	sh.mu.Lock()
	sh.sessions[id] = s
	sh.mu.Unlock()
	m.count.Add(1)
	m.metrics.SessionOpened()

	go func() {
		s.run(ctx)
		m.Close(id)
	}()
	m.logger.Info("session opened",
		zap.String("session_id", id),
		zap.String("agent_id", initial.AgentID),
	)
	return s, nil
}

// Close removes and stops one session.
func (m *Manager) Close(id string) {
	sh := m.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if ok {
		s.close()
		m.count.Add(-1)
		m.metrics.SessionClosed()
		m.logger.Info("session closed", zap.String("session_id", id))
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int { return int(m.count.Load()) }

// StartReaper closes sessions idle past the timeout. Runs until ctx is
// cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reap(time.Now())
			}
		}
	}()
}

func (m *Manager) reap(now time.Time) {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		var stale []string
		for id, s := range sh.sessions {
			if now.Sub(s.idleSince()) > m.idleTimeout {
				stale = append(stale, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range stale {
			m.logger.Info("reaping idle session", zap.String("session_id", id))
			m.Close(id)
		}
	}
}

func (m *Manager) shard(id string) *struct {
	mu       sync.Mutex
	sessions map[string]*Session
} {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}
