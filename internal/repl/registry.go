package repl

import (
	"log/slog"
	"sync"
	"time"

	"github.com/replforge/repld/internal/executor"
	"github.com/replforge/repld/internal/observability"
)

// DefaultSessionID is used when a caller names no session.
const DefaultSessionID = "default"

// Registry owns the live sessions. Sessions are created on first use, so
// callers never distinguish "new" from "existing" — naming a session is
// enough to have it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	exec    executor.Executor
	limits  Limits
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// NewRegistry creates a registry backed by the given executor.
func NewRegistry(exec executor.Executor, limits Limits, logger *slog.Logger, metrics *observability.MetricsCollector) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		exec:     exec,
		limits:   limits,
		logger:   logger,
		metrics:  metrics,
	}
}

// Resolve returns the session for id, creating it on first use. An empty id
// resolves to DefaultSessionID.
func (r *Registry) Resolve(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, r.exec, r.limits, r.logger, r.metrics)
	r.sessions[id] = s
	r.logger.Info("session created", slog.String("session_id", id))
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	return s
}

// Lookup returns the session for id without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session. Its identifier becomes free for reuse.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle longer than maxIdle. A session with an
// execution in flight is never evicted, whatever its timestamps say.
// Returns the evicted ids.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, s := range r.sessions {
		if s.Executing() {
			continue
		}
		if s.IdleFor() < maxIdle {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
		r.logger.Info("session evicted",
			slog.String("session_id", id),
			slog.Duration("idle", s.IdleFor()),
		)
		if r.metrics != nil {
			r.metrics.SessionsActive.Dec()
			r.metrics.SessionEvictionsTotal.Inc()
		}
	}
	return evicted
}
