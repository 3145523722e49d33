package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// Arena is the session table. It owns minting, lookup, the idle sweeper, and
// the global open-session cap.
type Arena struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	max       int
	ttl       time.Duration
	grace     time.Duration
	maxBuffer int

	onTerminate func(*Session)
}

// NewArena builds a session table.
func NewArena(max int, ttl, grace time.Duration, maxBuffer int) *Arena {
	if max <= 0 {
		max = 10000
	}
	if maxBuffer <= 0 {
		maxBuffer = 1 << 20
	}
	return &Arena{
		sessions:  make(map[string]*Session),
		max:       max,
		ttl:       ttl,
		grace:     grace,
		maxBuffer: maxBuffer,
	}
}

// OnTerminate registers a hook run once per session after termination. The
// server uses it to release dispatcher locks and bus subscriptions.
func (a *Arena) OnTerminate(fn func(*Session)) { a.onTerminate = fn }

// Mint creates a new session, enforcing the global cap.
func (a *Arena) Mint() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) >= a.max {
		return nil, protocol.Errorf(protocol.KindResourceExhausted,
			"session table full (%d sessions)", a.max)
	}
	s := newSession(MintSessionID(), a.maxBuffer)
	a.sessions[s.ID] = s
	slog.Debug("transport.session.minted", "session_id", s.ID, "open", len(a.sessions))
	return s, nil
}

// Get returns the session for an id, nil when unknown.
func (a *Arena) Get(id string) *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessions[id]
}

// Len reports open sessions, terminated-but-lingering included.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// Terminate finishes a session and schedules its removal after the grace
// period. Safe to call more than once.
func (a *Arena) Terminate(s *Session) {
	wasTerminated := s.State() == StateTerminated
	s.terminate()
	if wasTerminated {
		return
	}
	if a.onTerminate != nil {
		a.onTerminate(s)
	}
	slog.Info("transport.session.terminated", "session_id", s.ID, "agent_id", s.AgentID())
}

// Sweep runs one pass: idle live sessions start closing, terminated sessions
// past the grace period leave the table. Called on a ticker by the server.
func (a *Arena) Sweep() {
	now := time.Now()

	a.mu.RLock()
	candidates := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		candidates = append(candidates, s)
	}
	a.mu.RUnlock()

	var expired, removed int
	for _, s := range candidates {
		switch s.State() {
		case StateNew, StateLive:
			if now.Sub(s.idleSince()) > a.ttl {
				s.Close()
				expired++
			}
		case StateClosing:
			// No writer will finish this one (never-attached or already
			// detached); move it along so the grace clock starts.
			a.Terminate(s)
		case StateTerminated:
			s.mu.Lock()
			gone := now.Sub(s.terminatedAt) > a.grace
			s.mu.Unlock()
			if gone {
				a.mu.Lock()
				delete(a.sessions, s.ID)
				a.mu.Unlock()
				removed++
			}
		}
	}
	if expired > 0 || removed > 0 {
		slog.Debug("transport.session.sweep", "expired", expired, "removed", removed, "open", a.Len())
	}
}
