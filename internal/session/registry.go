package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nadzzz/callyard/internal/call"
)

// Registry is the process-wide map from call id to live session. Map-level
// mutation is serialized by its own mutex, independent of the per-session
// actors that guard in-session transitions.
type Registry struct {
	deps Deps

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	// wg tracks live session actors so Close can wait for their teardown.
	wg sync.WaitGroup
}

// NewRegistry creates a session registry. Sessions it creates share the
// given dependency set.
func NewRegistry(deps Deps) *Registry {
	idle := time.Duration(deps.Config.IdleTimeoutSeconds) * time.Second
	sweep := idle / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	if sweep > 30*time.Second {
		sweep = 30 * time.Second
	}
	return &Registry{
		deps:          deps,
		idleTimeout:   idle,
		sweepInterval: sweep,
		sessions:      make(map[string]*Session),
	}
}

// Create makes a new session for the call id and starts its actor.
// It fails with call.ErrSessionExists if the call already has a live session.
func (r *Registry) Create(callID, from, to string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[callID]; ok {
		return nil, call.ErrSessionExists
	}

	s := newSession(callID, from, to, r.deps, r.remove)
	r.sessions[callID] = s
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run()
	}()

	slog.Info("session created", "call_id", callID, "active", len(r.sessions))
	return s, nil
}

// Get returns the live session for the call id, or call.ErrSessionNotFound.
func (r *Registry) Get(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[callID]
	if !ok {
		return nil, call.ErrSessionNotFound
	}
	return s, nil
}

// Destroy forces the session for the call id onto the Ending path. The
// session itself removes its registry entry during teardown.
func (r *Registry) Destroy(callID string, reason call.EndReason) error {
	s, err := r.Get(callID)
	if err != nil {
		return err
	}
	s.Terminate(reason)
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run periodically reaps idle sessions until the context is cancelled. Reaped
// sessions go through the same Ending path as any other termination. This is
// the only scheduled background operation in the daemon.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		slog.Warn("reaping idle session", "call_id", s.ID(),
			"idle", time.Since(s.LastActivity()))
		s.Terminate(call.EndReasonTimeout)
	}
}

// Close terminates every live session and waits for their actors to finish,
// so every transcript has been handed to the sink when Close returns.
func (r *Registry) Close() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Terminate(call.EndReasonShutdown)
	}
	r.wg.Wait()
}

func (r *Registry) remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}
