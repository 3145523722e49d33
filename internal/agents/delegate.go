package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// DelegateRequest is the payload of the agent.delegate tool.
type DelegateRequest struct {
	Task                 string     `json:"task"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	TargetAgent          string     `json:"target_agent,omitempty"`
	Priority             string     `json:"priority,omitempty"`
	Deadline             *time.Time `json:"deadline,omitempty"`

	// SourceAgent is filled in by the dispatcher from the session, not the
	// caller's arguments.
	SourceAgent string `json:"-"`
}

// Delegation is the outcome of a successful delegate call.
type Delegation struct {
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	Task         string     `json:"task"`
	Priority     string     `json:"priority"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	MemoryID     string     `json:"memory_id,omitempty"`
	WorkloadNow  int        `json:"workload_now"`
	WorkloadMax  int        `json:"workload_max"`
	ViaTarget    bool       `json:"via_target"`
	DelegatedAt  time.Time  `json:"delegated_at"`
}

// Delegate assigns a task. An explicit, active target with spare capacity
// wins; otherwise the active agent with the lowest workload ratio among
// those whose capabilities cover the requirement, ties broken by the
// earliest last_seen.
func (r *Registry) Delegate(ctx context.Context, req DelegateRequest) (*Delegation, error) {
	if req.Task == "" {
		return nil, protocol.BadArgf("task is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}
	now := r.now()

	r.mu.Lock()
	chosen, viaTarget := r.pickLocked(req, now)
	if chosen == nil {
		r.mu.Unlock()
		return nil, &protocol.ToolError{
			Kind:    protocol.KindResourceExhausted,
			Message: "no active agent can take this task",
		}
	}
	chosen.CurrentWorkload++
	row := *chosen
	r.mu.Unlock()

	memoryID := r.writeTaskMemory(ctx, req, row.AgentID, priority)

	task := &store.AgentTask{
		ID:           store.GenNewID(),
		AgentID:      row.AgentID,
		Task:         req.Task,
		Capabilities: req.RequiredCapabilities,
		Priority:     priority,
		Deadline:     req.Deadline,
		Status:       "assigned",
		MemoryID:     memoryID,
		CreatedAt:    now,
	}
	if r.store != nil {
		if err := r.store.InsertTask(ctx, task); err != nil {
			slog.Error("agents.task.persist_failed", "agent_id", row.AgentID, "error", err)
		}
		if err := r.store.SetWorkload(ctx, row.AgentID, row.CurrentWorkload); err != nil {
			slog.Error("agents.workload.persist_failed", "agent_id", row.AgentID, "error", err)
		}
	}

	slog.Info("agents.delegated",
		"task_id", task.ID,
		"agent_id", row.AgentID,
		"priority", priority,
		"via_target", viaTarget,
		"workload", fmt.Sprintf("%d/%d", row.CurrentWorkload, row.MaxWorkload))

	return &Delegation{
		TaskID:      task.ID.String(),
		AgentID:     row.AgentID,
		Task:        req.Task,
		Priority:    priority,
		Deadline:    req.Deadline,
		MemoryID:    memoryID,
		WorkloadNow: row.CurrentWorkload,
		WorkloadMax: row.MaxWorkload,
		ViaTarget:   viaTarget,
		DelegatedAt: now,
	}, nil
}

// pickLocked resolves the delegation target. Caller holds the write lock.
func (r *Registry) pickLocked(req DelegateRequest, now time.Time) (*store.AgentRow, bool) {
	if req.TargetAgent != "" {
		if row, ok := r.agents[req.TargetAgent]; ok &&
			r.activeAt(row, now) && row.CurrentWorkload < row.MaxWorkload {
			return row, true
		}
		// Explicit target unavailable: fall through to capability matching.
	}

	var best *store.AgentRow
	for _, row := range r.agents {
		if !r.activeAt(row, now) || row.CurrentWorkload >= row.MaxWorkload {
			continue
		}
		if !hasCapabilities(row.Capabilities, req.RequiredCapabilities) {
			continue
		}
		if best == nil || lessLoaded(row, best) {
			best = row
		}
	}
	return best, false
}

// lessLoaded orders candidates by workload ratio, then earliest last_seen.
// Cross-multiplied to stay in integers.
func lessLoaded(a, b *store.AgentRow) bool {
	la := a.CurrentWorkload * b.MaxWorkload
	lb := b.CurrentWorkload * a.MaxWorkload
	if la != lb {
		return la < lb
	}
	return a.LastSeen.Before(b.LastSeen)
}

func hasCapabilities(have, want []string) bool {
	for _, w := range want {
		if !containsStr(have, w) {
			return false
		}
	}
	return true
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ReleaseTask marks a delegated task finished and frees the workload slot.
// status is "completed" or "cancelled".
func (r *Registry) ReleaseTask(ctx context.Context, agentID string, taskID string, status string) error {
	if status != "completed" && status != "cancelled" {
		return protocol.BadArgf("status must be completed or cancelled, got %q", status)
	}

	r.mu.Lock()
	row, ok := r.agents[agentID]
	if ok && row.CurrentWorkload > 0 {
		row.CurrentWorkload--
	}
	var workload int
	if ok {
		workload = row.CurrentWorkload
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}

	if r.store != nil {
		if taskID != "" {
			id, err := parseTaskID(taskID)
			if err != nil {
				return err
			}
			if err := r.store.CompleteTask(ctx, id, status); err != nil {
				return fmt.Errorf("complete task %s: %w", taskID, err)
			}
		}
		if err := r.store.SetWorkload(ctx, agentID, workload); err != nil {
			slog.Error("agents.workload.persist_failed", "agent_id", agentID, "error", err)
		}
	}
	slog.Info("agents.task.released", "agent_id", agentID, "task_id", taskID, "status", status)
	return nil
}

// Tasks lists delegated tasks for an agent, newest first.
func (r *Registry) Tasks(ctx context.Context, agentID string, limit int) ([]store.AgentTask, error) {
	if r.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListTasks(ctx, agentID, limit)
}

func parseTaskID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, protocol.BadArgf("malformed task id %q", s)
	}
	return id, nil
}

func (r *Registry) writeTaskMemory(ctx context.Context, req DelegateRequest, agentID, priority string) string {
	if r.memories == nil {
		return ""
	}
	content := fmt.Sprintf("Task delegated to %s (priority %s): %s", agentID, priority, req.Task)
	id, err := r.memories.Store(ctx, memory.StoreRequest{
		Content:  content,
		Category: "agent",
		Scope:    memory.ScopeAgent,
		AgentID:  agentID,
		Tags:     []string{"task", "delegation", priority},
	})
	if err != nil {
		slog.Warn("agents.task.memory_failed", "agent_id", agentID, "error", err)
		return ""
	}
	return id
}
