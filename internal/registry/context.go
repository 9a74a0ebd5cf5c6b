package registry

import (
	"sync"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// maxAgentHistory bounds the per-session switch trail.
const maxAgentHistory = 16

// SessionContext holds one session's current-agent slot. The session's
// single-writer dispatch rule means calls never race within a session,
// but the mutex keeps cross-goroutine reads (metrics, reaper) safe.
type SessionContext struct {
	registry *Registry

	mu      sync.Mutex
	current *types.Agent
	history []string
}

// NewSessionContext starts a session context on the given agent.
func NewSessionContext(reg *Registry, initial *types.Agent) *SessionContext {
	return &SessionContext{registry: reg, current: initial.Clone()}
}

// Current returns a copy of the session's current agent.
func (sc *SessionContext) Current() *types.Agent {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current.Clone()
}

// History returns up to n most recent prior agent ids, newest first.
func (sc *SessionContext) History(n int) []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if n > len(sc.history) {
		n = len(sc.history)
	}
	out := make([]string, 0, n)
	for i := len(sc.history) - 1; i >= len(sc.history)-n; i-- {
		out = append(out, sc.history[i])
	}
	return out
}

// Switch replaces the current agent, recording the prior one. The trail
// keeps the most recent entries and drops the oldest past the cap.
func (sc *SessionContext) Switch(name string) (*types.Agent, error) {
	next, err := sc.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	if !next.IsActive {
		return nil, types.E(types.KindUnknownAgent, "agent %q is inactive", name)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.history = append(sc.history, sc.current.AgentID)
	if len(sc.history) > maxAgentHistory {
		sc.history = sc.history[len(sc.history)-maxAgentHistory:]
	}
	sc.current = next
	return next.Clone(), nil
}

// ExecuteAs runs fn with the slot temporarily swapped to name. The
// prior agent is restored on every exit path, error and panic included,
// and the swap leaves no trace in the history.
func (sc *SessionContext) ExecuteAs(name string, fn func(acting *types.Agent) error) error {
	acting, err := sc.registry.Resolve(name)
	if err != nil {
		return err
	}
	if !acting.IsActive {
		return types.E(types.KindUnknownAgent, "agent %q is inactive", name)
	}

	sc.mu.Lock()
	prior := sc.current
	sc.current = acting
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.current = prior
		sc.mu.Unlock()
	}()
	return fn(acting.Clone())
}
