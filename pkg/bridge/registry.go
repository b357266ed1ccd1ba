package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks live sessions by call id so shutdown can drain them and a
// reconnecting stream can displace its predecessor.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Add registers a session and returns the one it displaced, if any. The
// caller shuts the old session down; Twilio occasionally reconnects a stream
// before the first socket notices it died.
func (r *Registry) Add(callID int64, s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[callID]
	r.sessions[callID] = s
	r.mu.Unlock()
	if old == nil {
		r.count.Add(1)
	}
	return old
}

// Remove drops the session, but only while it is still the registered one.
func (r *Registry) Remove(callID int64, s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[callID]
	if ok && current == s {
		delete(r.sessions, callID)
		r.count.Add(-1)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(callID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// CloseAll asks every live session to wind down.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.Shutdown(reason)
	}
}

// WaitForEmpty polls until no sessions remain or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
