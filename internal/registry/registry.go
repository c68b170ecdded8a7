// Package registry tracks live FastCGI sessions, grounded on the teacher
// tqserver's pkg/supervisor/registry.go and healthcheck.go: the same
// register/list/sweep shape, repurposed from worker-process liveness to
// per-connection liveness. It implements fastcgi.Hooks so a Server can
// report directly into it.
package registry

import (
	"sync"
	"time"

	"github.com/fcgid/fcgid/pkg/fastcgi"
)

// SessionInfo is a snapshot of one session's observed activity.
type SessionInfo struct {
	ID             string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	ActiveRequests int
	RequestsServed int
	BytesIn        int64
	BytesOut       int64
}

// Registry maintains the set of currently open sessions and evicts ones
// that have gone idle past a threshold, mirroring the teacher's periodic
// health-check sweep but driven by activity timestamps instead of HTTP
// polling - this daemon has no per-session HTTP endpoint to poll.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*SessionInfo)}
}

var _ fastcgi.Hooks = (*Registry)(nil)

func (r *Registry) touch(id string) *SessionInfo {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.LastActivityAt = time.Now()
	return s
}

func (r *Registry) ConnectionOpened(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.sessions[sessionID] = &SessionInfo{
		ID:             sessionID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
}

func (r *Registry) ConnectionClosed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) RequestStarted(sessionID string, requestID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.touch(sessionID); s != nil {
		s.ActiveRequests++
	}
}

func (r *Registry) RequestEnded(sessionID string, requestID uint16, protocolStatus uint8, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.touch(sessionID); s != nil {
		s.ActiveRequests--
		s.RequestsServed++
	}
}

func (r *Registry) RecordReceived(sessionID string, typ uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(sessionID)
}

func (r *Registry) ProtocolErrorSeen(sessionID string, kind fastcgi.ProtocolErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(sessionID)
}

func (r *Registry) BytesIn(sessionID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.touch(sessionID); s != nil {
		s.BytesIn += int64(n)
	}
}

func (r *Registry) BytesOut(sessionID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.touch(sessionID); s != nil {
		s.BytesOut += int64(n)
	}
}

// Snapshot returns a copy of every currently tracked session.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Len reports how many sessions are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle removes every session whose last observed activity is older
// than idleTimeout and returns the count removed. The session's own
// read-deadline will already have torn down its socket by this point in
// the common case; this sweep guards against an entry surviving in the
// registry past a close that Hooks never reported, e.g. a crashed
// goroutine.
func (r *Registry) SweepIdle(idleTimeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	removed := 0
	for id, s := range r.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper runs SweepIdle every interval until stop is closed.
func (r *Registry) RunSweeper(interval, idleTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.SweepIdle(idleTimeout)
		}
	}
}
