package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// DefaultReplayCap bounds how many past broadcasts a reconnecting session can
// replay.
const DefaultReplayCap = 1000

// BroadcastRequest is the payload of the agent.broadcast tool.
type BroadcastRequest struct {
	Message     string   `json:"message"`
	Category    string   `json:"category,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	TargetRoles []string `json:"target_roles,omitempty"`

	SourceAgent   string `json:"-"`
	SourceMachine string `json:"-"`
}

// Broadcasts assigns total order to fan-out messages and keeps a bounded
// replay ring. Ids are monotonic for the lifetime of the process; sessions
// track their high-water mark and ask Since on reconnect.
type Broadcasts struct {
	mu     sync.Mutex
	ring   []*protocol.BroadcastFrame
	cap    int
	nextID uint64

	events   bus.Publisher
	memories *memory.Store
}

// NewBroadcasts creates the ring. events and memories may be nil in tests.
func NewBroadcasts(events bus.Publisher, memories *memory.Store, replayCap int) *Broadcasts {
	if replayCap <= 0 {
		replayCap = DefaultReplayCap
	}
	return &Broadcasts{
		cap:      replayCap,
		events:   events,
		memories: memories,
	}
}

// Send appends a broadcast, publishes it on the bus for live sessions, and
// mirrors it into the "broadcasts" memory category. The assigned id is
// strictly greater than every id assigned before it.
func (b *Broadcasts) Send(ctx context.Context, req BroadcastRequest) (*protocol.BroadcastFrame, error) {
	if req.Message == "" {
		return nil, protocol.BadArgf("message is required")
	}
	severity := req.Severity
	if severity == "" {
		severity = "info"
	}
	category := req.Category
	if category == "" {
		category = "general"
	}

	b.mu.Lock()
	b.nextID++
	frame := &protocol.BroadcastFrame{
		BroadcastID:   b.nextID,
		SourceAgent:   req.SourceAgent,
		SourceMachine: req.SourceMachine,
		Category:      category,
		Severity:      severity,
		Message:       req.Message,
		TargetRoles:   req.TargetRoles,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	b.ring = append(b.ring, frame)
	if len(b.ring) > b.cap {
		b.ring = b.ring[len(b.ring)-b.cap:]
	}
	b.mu.Unlock()

	if b.events != nil {
		b.events.Publish(bus.Event{Name: bus.EventBroadcastSent, Payload: frame})
	}
	b.mirror(ctx, frame)

	slog.Info("agents.broadcast",
		"broadcast_id", frame.BroadcastID,
		"severity", severity,
		"category", category,
		"target_roles", len(req.TargetRoles))
	return frame, nil
}

// Since returns every retained broadcast with id greater than afterID, in id
// order. The ring cap means a long-dead session may miss older broadcasts.
func (b *Broadcasts) Since(afterID uint64) []*protocol.BroadcastFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Ring is append-only in id order; binary search would work, linear scan
	// is fine at cap 1000.
	var out []*protocol.BroadcastFrame
	for _, f := range b.ring {
		if f.BroadcastID > afterID {
			out = append(out, f)
		}
	}
	return out
}

// LastID returns the highest id assigned so far, 0 before any broadcast.
func (b *Broadcasts) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// Targets reports whether a frame addresses an agent with the given role.
// An empty target_roles list means everyone.
func Targets(frame *protocol.BroadcastFrame, role string) bool {
	if len(frame.TargetRoles) == 0 {
		return true
	}
	return containsStr(frame.TargetRoles, role)
}

func (b *Broadcasts) mirror(ctx context.Context, frame *protocol.BroadcastFrame) {
	if b.memories == nil {
		return
	}
	_, err := b.memories.Store(ctx, memory.StoreRequest{
		Content:   frame.Message,
		Category:  "broadcasts",
		Scope:     memory.ScopeGlobal,
		AgentID:   frame.SourceAgent,
		MachineID: frame.SourceMachine,
		Tags:      []string{"broadcast", frame.Severity, frame.Category},
	})
	if err != nil {
		slog.Warn("agents.broadcast.mirror_failed", "broadcast_id", frame.BroadcastID, "error", err)
	}
}
