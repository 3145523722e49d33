package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/pkg/protocol"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, nil, 5*time.Minute)
}

func register(t *testing.T, r *Registry, req RegisterRequest) {
	t.Helper()
	if _, err := r.Register(context.Background(), req); err != nil {
		t.Fatalf("register %s: %v", req.AgentID, err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "a1", Role: "worker", MachineID: "m1"})

	first := r.Get("a1")
	time.Sleep(2 * time.Millisecond)
	register(t, r, RegisterRequest{AgentID: "a1", Role: "builder", MachineID: "m2"})

	second := r.Get("a1")
	if second.Role != "builder" || second.MachineID != "m2" {
		t.Errorf("mutable fields not updated: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("registered_at changed on re-register")
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("last_seen not refreshed")
	}
	if page := r.Roster(context.Background(), RosterRequest{}); page.Total != 1 {
		t.Errorf("re-register created duplicate row: total=%d", page.Total)
	}
}

func TestRosterLivenessAndPagination(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	register(t, r, RegisterRequest{AgentID: "fresh-1", Role: "worker"})
	register(t, r, RegisterRequest{AgentID: "fresh-2", Role: "worker"})
	register(t, r, RegisterRequest{AgentID: "stale-1", Role: "worker"})

	// Age one agent past the liveness window.
	r.mu.Lock()
	r.agents["stale-1"].LastSeen = now.Add(-10 * time.Minute)
	r.mu.Unlock()

	active := r.Roster(context.Background(), RosterRequest{})
	if active.Total != 2 {
		t.Errorf("active-only roster total = %d, want 2", active.Total)
	}

	all := r.Roster(context.Background(), RosterRequest{IncludeInactive: true})
	if all.Total != 3 {
		t.Errorf("full roster total = %d, want 3", all.Total)
	}
	// Active agents sort first.
	if all.Agents[len(all.Agents)-1].AgentID != "stale-1" {
		t.Errorf("inactive agent not sorted last: %+v", all.Agents)
	}

	page := r.Roster(context.Background(), RosterRequest{IncludeInactive: true, Limit: 2})
	if len(page.Agents) != 2 || !page.HasMore {
		t.Errorf("page 1: len=%d has_more=%v", len(page.Agents), page.HasMore)
	}
	rest := r.Roster(context.Background(), RosterRequest{IncludeInactive: true, Limit: 2, Offset: 2})
	if len(rest.Agents) != 1 || rest.HasMore {
		t.Errorf("page 2: len=%d has_more=%v", len(rest.Agents), rest.HasMore)
	}
}

func TestDelegatePrefersExplicitTarget(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "busy", Capabilities: []string{"deploy"}, MaxWorkload: 2})
	register(t, r, RegisterRequest{AgentID: "idle", Capabilities: []string{"deploy"}, MaxWorkload: 2})

	d, err := r.Delegate(context.Background(), DelegateRequest{Task: "ship it", TargetAgent: "busy"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AgentID != "busy" || !d.ViaTarget {
		t.Errorf("explicit target ignored: %+v", d)
	}
	if d.WorkloadNow != 1 {
		t.Errorf("workload not incremented: %d", d.WorkloadNow)
	}
}

func TestDelegateFallsBackWhenTargetFull(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "full", Capabilities: []string{"deploy"}, MaxWorkload: 1})
	register(t, r, RegisterRequest{AgentID: "spare", Capabilities: []string{"deploy"}, MaxWorkload: 1})

	if _, err := r.Delegate(context.Background(), DelegateRequest{Task: "t1", TargetAgent: "full"}); err != nil {
		t.Fatalf("delegate t1: %v", err)
	}
	d, err := r.Delegate(context.Background(), DelegateRequest{
		Task:                 "t2",
		TargetAgent:          "full",
		RequiredCapabilities: []string{"deploy"},
	})
	if err != nil {
		t.Fatalf("delegate t2: %v", err)
	}
	if d.AgentID != "spare" || d.ViaTarget {
		t.Errorf("full target should fall back to matching: %+v", d)
	}
}

func TestDelegateLowestWorkloadRatioWins(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "big", Capabilities: []string{"deploy"}, MaxWorkload: 10})
	register(t, r, RegisterRequest{AgentID: "small", Capabilities: []string{"deploy"}, MaxWorkload: 2})

	// big: 2/10, small: 1/2. Ratio favors big.
	r.mu.Lock()
	r.agents["big"].CurrentWorkload = 2
	r.agents["small"].CurrentWorkload = 1
	r.mu.Unlock()

	d, err := r.Delegate(context.Background(), DelegateRequest{
		Task:                 "pick me",
		RequiredCapabilities: []string{"deploy"},
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AgentID != "big" {
		t.Errorf("got %s, want big (lower workload ratio)", d.AgentID)
	}
}

func TestDelegateTieBreaksOnEarliestLastSeen(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }
	register(t, r, RegisterRequest{AgentID: "older", Capabilities: []string{"deploy"}, MaxWorkload: 2})
	register(t, r, RegisterRequest{AgentID: "newer", Capabilities: []string{"deploy"}, MaxWorkload: 2})

	r.mu.Lock()
	r.agents["older"].LastSeen = now.Add(-2 * time.Minute)
	r.agents["newer"].LastSeen = now.Add(-1 * time.Minute)
	r.mu.Unlock()

	d, err := r.Delegate(context.Background(), DelegateRequest{Task: "t", RequiredCapabilities: []string{"deploy"}})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AgentID != "older" {
		t.Errorf("tie should go to earliest last_seen, got %s", d.AgentID)
	}
}

func TestDelegateNoCandidate(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "a1", Capabilities: []string{"deploy"}})

	_, err := r.Delegate(context.Background(), DelegateRequest{
		Task:                 "impossible",
		RequiredCapabilities: []string{"quantum"},
	})
	var te *protocol.ToolError
	if !errors.As(err, &te) || te.Kind != protocol.KindResourceExhausted {
		t.Errorf("want resource_exhausted, got %v", err)
	}
}

func TestReleaseTaskFreesSlot(t *testing.T) {
	r := newTestRegistry()
	register(t, r, RegisterRequest{AgentID: "a1", Capabilities: []string{"deploy"}, MaxWorkload: 1})

	if _, err := r.Delegate(context.Background(), DelegateRequest{Task: "t"}); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if _, err := r.Delegate(context.Background(), DelegateRequest{Task: "t2"}); err == nil {
		t.Fatal("expected exhaustion at max workload")
	}
	if err := r.ReleaseTask(context.Background(), "a1", "", "completed"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := r.Delegate(context.Background(), DelegateRequest{Task: "t3"}); err != nil {
		t.Errorf("slot not freed: %v", err)
	}
}
