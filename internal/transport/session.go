// Package transport is the drone-facing wire plane: the SSE stream, the
// message ingress, and the session table that joins them. One session is one
// SSE stream; tool results and broadcasts leave through the same stream.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

// Session states. A session only moves forward through these.
const (
	StateNew        = "new"
	StateLive       = "live"
	StateClosing    = "closing"
	StateTerminated = "terminated"
)

var (
	// ErrSessionClosed is returned by Send once the session left live.
	ErrSessionClosed = errors.New("transport: session closed")
	// ErrBackpressure is returned when a send could not drain below the
	// buffer budget before its deadline. The session starts closing.
	ErrBackpressure = errors.New("transport: session buffer full")
)

// frame is one wire-ready SSE frame.
type frame struct {
	event string
	data  []byte
}

// Session is one drone connection. Frames are queued under the session mutex
// and drained by the single SSE writer goroutine.
type Session struct {
	ID string

	mu          sync.Mutex
	cond        *sync.Cond
	state       string
	queue       []frame
	queuedBytes int
	maxBuffer   int
	lastActive  time.Time

	// lastBroadcast is the high-water mark of broadcast ids written to this
	// stream, used for replay on reconnect.
	lastBroadcast uint64

	// bmu serializes broadcast delivery. Replay holds it across the retained
	// snapshot so the live fan-out cannot advance the mark past frames the
	// session has not seen.
	bmu sync.Mutex

	// agentID is bound when the drone registers through this session.
	agentID string

	ctx    context.Context
	cancel context.CancelFunc

	notify chan struct{}

	terminatedAt time.Time
}

// MintSessionID returns a fresh 32-hex-char session id.
func MintSessionID() string {
	buf := make([]byte, protocol.SessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("transport: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func newSession(id string, maxBuffer int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		state:      StateNew,
		maxBuffer:  maxBuffer,
		lastActive: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Context is cancelled when the session starts closing. Handlers of
// session-bound tools run under it.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the session accepts invocations.
func (s *Session) Live() bool { return s.State() == StateLive }

// BindAgent associates the registered drone identity with the stream.
func (s *Session) BindAgent(agentID string) {
	s.mu.Lock()
	s.agentID = agentID
	s.mu.Unlock()
}

// AgentID returns the bound drone identity, "" before registration.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// markLive is called by the SSE handler after the first frame flushed.
func (s *Session) markLive() {
	s.mu.Lock()
	if s.state == StateNew {
		s.state = StateLive
	}
	s.mu.Unlock()
}

// Send queues a frame for the SSE writer. When the queued bytes exceed the
// session budget the call blocks until the writer drains or the context
// deadline passes; a deadline hit closes the session and drops the frame.
func (s *Session) Send(ctx context.Context, event string, data []byte) error {
	size := len(data) + len(event) + 16 // approximate wire overhead

	s.mu.Lock()
	for s.state == StateLive && s.queuedBytes > 0 && s.queuedBytes+size > s.maxBuffer {
		if !s.waitDrainLocked(ctx) {
			s.closeLocked()
			s.mu.Unlock()
			slog.Warn("transport.session.backpressure",
				"session_id", s.ID, "event", event, "queued_bytes", s.queuedBytes)
			return ErrBackpressure
		}
	}
	if s.state != StateLive && s.state != StateNew {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.queue = append(s.queue, frame{event: event, data: data})
	s.queuedBytes += size
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// waitDrainLocked blocks on the writer until woken or the context expires.
// Returns false on expiry. Caller holds the mutex.
func (s *Session) waitDrainLocked(ctx context.Context) bool {
	deadline, hasDeadline := ctx.Deadline()
	if ctx.Err() != nil {
		return false
	}
	var timer *time.Timer
	if hasDeadline {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer = time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}
	s.cond.Wait()
	if hasDeadline && !time.Now().Before(deadline) {
		return false
	}
	return ctx.Err() == nil
}

// drain pops every queued frame. Called by the SSE writer goroutine.
func (s *Session) drain() []frame {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.queuedBytes = 0
	s.cond.Broadcast()
	s.mu.Unlock()
	return out
}

// SendBroadcast delivers one broadcast frame under the broadcast lock,
// skipping ids at or below the high-water mark. Stream ids stay strictly
// increasing even when the live fan-out races a reconnect replay.
func (s *Session) SendBroadcast(ctx context.Context, id uint64, data []byte) error {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	if id <= s.BroadcastMark() {
		return nil
	}
	if err := s.Send(ctx, protocol.EventBroadcast, data); err != nil {
		return err
	}
	s.SetBroadcastMark(id)
	return nil
}

// SetBroadcastMark records the highest broadcast id written to the stream.
func (s *Session) SetBroadcastMark(id uint64) {
	s.mu.Lock()
	if id > s.lastBroadcast {
		s.lastBroadcast = id
	}
	s.mu.Unlock()
}

// BroadcastMark returns the replay high-water mark.
func (s *Session) BroadcastMark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBroadcast
}

// Close moves the session to closing and cancels bound handlers. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// closeLocked performs the live -> closing transition. Caller holds the mutex.
func (s *Session) closeLocked() {
	if s.state == StateClosing || s.state == StateTerminated {
		return
	}
	s.state = StateClosing
	s.cancel()
	s.cond.Broadcast()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// terminate releases the session after the writer drained what it could.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = StateTerminated
		s.terminatedAt = time.Now()
		s.cancel()
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
