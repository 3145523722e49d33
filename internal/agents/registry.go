// Package agents tracks the drone roster, resolves task delegation, and
// carries the ordered broadcast ring. The roster is held in memory and
// written through to store.AgentStore so it survives hub restarts.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
)

const (
	// DefaultMaxWorkload bounds concurrent delegated tasks per agent when the
	// registering drone does not declare its own capacity.
	DefaultMaxWorkload = 5

	defaultRosterLimit = 50
)

// RegisterRequest is the payload of the agent.register tool.
type RegisterRequest struct {
	AgentID      string            `json:"agent_id"`
	Role         string            `json:"role"`
	Capabilities []string          `json:"capabilities"`
	MachineID    string            `json:"machine_id"`
	MaxWorkload  int               `json:"max_workload,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RosterRequest selects a page of the roster.
type RosterRequest struct {
	IncludeInactive bool `json:"include_inactive"`
	Limit           int  `json:"limit"`
	Offset          int  `json:"offset"`
}

// RosterEntry is one roster row with its computed liveness.
type RosterEntry struct {
	store.AgentRow
	Active bool `json:"active"`
}

// RosterPage is a paginated roster slice.
type RosterPage struct {
	Agents  []RosterEntry `json:"agents"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

// Registry is the process-wide agent roster. All mutation goes through the
// registry mutex; the persistent store is write-through and never read on the
// hot path after warm-up.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*store.AgentRow
	liveness time.Duration

	store    store.AgentStore
	memories *memory.Store

	now func() time.Time
}

// NewRegistry builds an empty roster. Call Load to warm it from the store.
func NewRegistry(st store.AgentStore, memories *memory.Store, liveness time.Duration) *Registry {
	if liveness <= 0 {
		liveness = 5 * time.Minute
	}
	return &Registry{
		agents:   make(map[string]*store.AgentRow),
		liveness: liveness,
		store:    st,
		memories: memories,
		now:      time.Now,
	}
}

// Load warms the in-memory roster from persisted rows. Agents whose last_seen
// predates the liveness window come back as inactive until they re-register.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range rows {
		row := rows[i]
		r.agents[row.AgentID] = &row
	}
	slog.Debug("agents.roster.loaded", "count", len(rows))
	return nil
}

// Register upserts a drone. A repeat call with the same agent_id updates the
// mutable fields and refreshes last_seen; registered_at is kept from the
// first registration.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.AgentRow, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	maxLoad := req.MaxWorkload
	if maxLoad <= 0 {
		maxLoad = DefaultMaxWorkload
	}
	now := r.now()

	r.mu.Lock()
	row, ok := r.agents[req.AgentID]
	if !ok {
		row = &store.AgentRow{
			AgentID:      req.AgentID,
			RegisteredAt: now,
		}
		r.agents[req.AgentID] = row
	}
	row.MachineID = req.MachineID
	row.Role = req.Role
	row.Capabilities = req.Capabilities
	row.MaxWorkload = maxLoad
	row.Metadata = req.Metadata
	row.Status = "active"
	row.LastSeen = now
	snapshot := *row
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertAgent(ctx, &snapshot); err != nil {
			return nil, fmt.Errorf("persist agent %s: %w", req.AgentID, err)
		}
	}
	slog.Info("agents.registered",
		"agent_id", req.AgentID,
		"role", req.Role,
		"machine_id", req.MachineID,
		"capabilities", len(req.Capabilities))
	return &snapshot, nil
}

// Touch refreshes last_seen without changing anything else. Used by the
// transport when a live session posts an invocation.
func (r *Registry) Touch(agentID string) {
	if agentID == "" {
		return
	}
	r.mu.Lock()
	if row, ok := r.agents[agentID]; ok {
		row.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// Get returns a copy of the roster row, or nil when unknown.
func (r *Registry) Get(agentID string) *store.AgentRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	cp := *row
	return &cp
}

// Role returns the registered role for an agent, or "" when unknown.
func (r *Registry) Role(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if row, ok := r.agents[agentID]; ok {
		return row.Role
	}
	return ""
}

// Roster returns a stable page of the roster, active agents first, then by
// agent_id for a deterministic order across calls.
func (r *Registry) Roster(_ context.Context, req RosterRequest) *RosterPage {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRosterLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	now := r.now()

	r.mu.RLock()
	entries := make([]RosterEntry, 0, len(r.agents))
	for _, row := range r.agents {
		active := r.activeAt(row, now)
		if !active && !req.IncludeInactive {
			continue
		}
		entries = append(entries, RosterEntry{AgentRow: *row, Active: active})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Active != entries[j].Active {
			return entries[i].Active
		}
		return entries[i].AgentID < entries[j].AgentID
	})

	total := len(entries)
	if offset >= total {
		return &RosterPage{Agents: []RosterEntry{}, Total: total}
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &RosterPage{
		Agents:  entries[offset:end],
		Total:   total,
		HasMore: end < total,
	}
}

// ActiveCount reports how many agents are inside the liveness window.
func (r *Registry) ActiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, row := range r.agents {
		if r.activeAt(row, now) {
			n++
		}
	}
	return n
}

// activeAt must be called with at least the read lock held.
func (r *Registry) activeAt(row *store.AgentRow, now time.Time) bool {
	return now.Sub(row.LastSeen) <= r.liveness
}
