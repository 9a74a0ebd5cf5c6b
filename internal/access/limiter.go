package access

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// RateClass buckets requests for independent quotas.
type RateClass string

const (
	ClassRequest RateClass = "requests"
	ClassSearch  RateClass = "searches"
	ClassWrite   RateClass = "writes"
)

// Limits holds the per-minute quota for each class.
type Limits struct {
	Requests int
	Searches int
	Writes   int
	Window   time.Duration
}

// DefaultLimits returns the stock per-agent quotas.
func DefaultLimits() Limits {
	return Limits{
		Requests: 1000,
		Searches: 100,
		Writes:   500,
		Window:   time.Minute,
	}
}

func (l Limits) limitFor(class RateClass) int {
	switch class {
	case ClassSearch:
		return l.Searches
	case ClassWrite:
		return l.Writes
	default:
		return l.Requests
	}
}

// Limiter enforces per-agent quotas. Allow returns a rate-limit error
// with a retry_after hint when the quota is exhausted.
type Limiter interface {
	Allow(ctx context.Context, agentID string, class RateClass) error
	Close() error
}

// LocalLimiter is a sliding-window limiter held in process memory.
// Counters update via compare-and-swap; the window slides by weighting
// the previous window's count by its remaining overlap.
type LocalLimiter struct {
	limits Limits
	mu     sync.RWMutex
	keys   map[string]*window
}

type window struct {
	start atomic.Int64 // unix nanos of the current window start
	cur   atomic.Int64
	prev  atomic.Int64
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(limits Limits) *LocalLimiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &LocalLimiter{limits: limits, keys: make(map[string]*window)}
}

func (l *LocalLimiter) Allow(_ context.Context, agentID string, class RateClass) error {
	limit := l.limits.limitFor(class)
	if limit <= 0 {
		return nil
	}
	w := l.window(agentID + ":" + string(class))
	now := time.Now().UnixNano()
	winNanos := l.limits.Window.Nanoseconds()

	// Rotate the window if it has elapsed. CAS keeps rotation single-shot
	// under concurrent callers.
	for {
		start := w.start.Load()
		if now-start < winNanos {
			break
		}
		if w.start.CompareAndSwap(start, now-((now-start)%winNanos)) {
			if now-start >= 2*winNanos {
				w.prev.Store(0)
			} else {
				w.prev.Store(w.cur.Load())
			}
			w.cur.Store(0)
			break
		}
	}

	elapsed := now - w.start.Load()
	if elapsed < 0 {
		elapsed = 0
	}
	overlap := float64(winNanos-elapsed) / float64(winNanos)
	estimated := float64(w.prev.Load())*overlap + float64(w.cur.Add(1))
	if estimated > float64(limit) {
		w.cur.Add(-1)
		retry := int((time.Duration(winNanos - elapsed)).Seconds()) + 1
		if retry > int(l.limits.Window.Seconds()) {
			retry = int(l.limits.Window.Seconds())
		}
		return &types.Error{
			Kind:       types.KindRateLimited,
			Message:    "rate limit exceeded for " + string(class),
			RetryAfter: retry,
		}
	}
	return nil
}

func (l *LocalLimiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.keys[key]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.keys[key]; ok {
		return w
	}
	w = &window{}
	w.start.Store(time.Now().UnixNano())
	l.keys[key] = w
	return w
}

// Reset clears all counters for an agent.
func (l *LocalLimiter) Reset(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, class := range []RateClass{ClassRequest, ClassSearch, ClassWrite} {
		delete(l.keys, agentID+":"+string(class))
	}
}

func (l *LocalLimiter) Close() error { return nil }
