package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewHashEmbedder(64))
}

func mustStore(t *testing.T, s *Store, req StoreRequest) string {
	t.Helper()
	id, err := s.Store(context.Background(), req)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return id
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := mustStore(t, s, StoreRequest{
		Content:   "postgres failover runbook step 3",
		Category:  "runbooks",
		Scope:     ScopeGlobal,
		MachineID: "m1",
		AgentID:   "agent-a",
		Tags:      []string{"postgres", "failover"},
	})

	item := s.Retrieve(context.Background(), id)
	if item == nil {
		t.Fatal("retrieve returned nil")
	}
	if item.Content != "postgres failover runbook step 3" {
		t.Errorf("content mismatch: %q", item.Content)
	}
	if item.Category != "runbooks" || item.MachineID != "m1" {
		t.Errorf("metadata mismatch: %+v", item)
	}
	if item.UpdatedAt.Before(item.CreatedAt) {
		t.Error("updated_at before created_at")
	}
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store(context.Background(), StoreRequest{Category: "global"}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("want ErrEmptyContent, got %v", err)
	}
}

func TestStoreRejectsUnknownCategory(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store(context.Background(), StoreRequest{Content: "x", Category: "nope"}); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("want ErrUnknownCategory, got %v", err)
	}
}

func TestStoreIdempotentWithinWindow(t *testing.T) {
	s := newTestStore(t)
	req := StoreRequest{Content: "dedup me", Category: "global", MachineID: "m1"}

	id1 := mustStore(t, s, req)
	id2 := mustStore(t, s, req)
	if id1 != id2 {
		t.Errorf("second store returned new id: %s vs %s", id1, id2)
	}

	// Different machine is a different identity triple.
	req.MachineID = "m2"
	if id3 := mustStore(t, s, req); id3 == id1 {
		t.Error("different machine_id must not dedup")
	}
}

func TestDeleteTombstones(t *testing.T) {
	s := newTestStore(t)
	req := StoreRequest{Content: "ephemeral", Category: "global", MachineID: "m1"}
	id := mustStore(t, s, req)

	if !s.Delete(context.Background(), id) {
		t.Fatal("delete returned false")
	}
	if s.Retrieve(context.Background(), id) != nil {
		t.Error("retrieve returned tombstoned item")
	}

	page, err := s.Search(context.Background(), SearchRequest{Query: "ephemeral", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("search returned tombstoned item: %d hits", len(page.Items))
	}

	// Deletion clears the dedup index, so the content can be stored again.
	if id2 := mustStore(t, s, req); id2 == id {
		t.Error("dedup resurrected a deleted id")
	}
}

func TestSearchFiltersHonored(t *testing.T) {
	s := newTestStore(t)
	mustStore(t, s, StoreRequest{Content: "db outage on web-1", Category: "incidents", Scope: ScopeMachine, MachineID: "web-1"})
	mustStore(t, s, StoreRequest{Content: "db outage on web-2", Category: "incidents", Scope: ScopeMachine, MachineID: "web-2"})
	mustStore(t, s, StoreRequest{Content: "db outage postmortem", Category: "runbooks", Scope: ScopeGlobal, MachineID: "web-1"})

	tests := []struct {
		name string
		req  SearchRequest
		want int
	}{
		{
			name: "category filter",
			req:  SearchRequest{Query: "db outage", Category: "incidents", Limit: 10},
			want: 2,
		},
		{
			name: "machine_filter_in",
			req:  SearchRequest{Query: "db outage", MachineFilterIn: []string{"web-1"}, Limit: 10},
			want: 2,
		},
		{
			name: "machine_filter_out",
			req:  SearchRequest{Query: "db outage", MachineFilterOut: []string{"web-1"}, Limit: 10},
			want: 1,
		},
		{
			name: "scope with include_global",
			req:  SearchRequest{Query: "db outage", Scope: ScopeMachine, IncludeGlobal: true, Limit: 10},
			want: 3,
		},
		{
			name: "scope without include_global",
			req:  SearchRequest{Query: "db outage", Scope: ScopeMachine, Limit: 10},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Search(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(page.Items) != tt.want {
				t.Errorf("got %d items, want %d", len(page.Items), tt.want)
			}
			for _, item := range page.Items {
				if tt.req.Category != "" && item.Category != tt.req.Category {
					t.Errorf("item %s breaks category filter", item.ID)
				}
				if len(tt.req.MachineFilterIn) > 0 && !containsStr(tt.req.MachineFilterIn, item.MachineID) {
					t.Errorf("item %s breaks machine_filter_in", item.ID)
				}
				if containsStr(tt.req.MachineFilterOut, item.MachineID) {
					t.Errorf("item %s breaks machine_filter_out", item.ID)
				}
			}
		})
	}
}

func TestPaginationStable(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 20; i++ {
		mustStore(t, s, StoreRequest{
			Content:   fmt.Sprintf("deployment note %d for service alpha", i),
			Category:  "infrastructure",
			MachineID: "m1",
		})
	}

	get := func(limit, offset int) []string {
		page, err := s.Search(context.Background(), SearchRequest{
			Query: "deployment service alpha", Semantic: true, Limit: limit, Offset: offset,
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		ids := make([]string, len(page.Items))
		for i, item := range page.Items {
			ids[i] = item.ID
		}
		return ids
	}

	first := get(5, 0)
	second := get(5, 5)
	combined := get(10, 0)

	if len(first) != 5 || len(second) != 5 || len(combined) != 10 {
		t.Fatalf("unexpected page sizes: %d %d %d", len(first), len(second), len(combined))
	}
	for i := range first {
		if combined[i] != first[i] {
			t.Fatalf("page 1 mismatch at %d: %s vs %s", i, combined[i], first[i])
		}
	}
	for i := range second {
		if combined[5+i] != second[i] {
			t.Fatalf("page 2 mismatch at %d: %s vs %s", i, combined[5+i], second[i])
		}
	}
}

func TestRankStableAcrossEpsilonStraddles(t *testing.T) {
	base := time.Now()
	mk := func(id string, score float64) scored {
		return scored{item: &Item{ID: id, CreatedAt: base}, score: score}
	}
	// b and c each sit within epsilon of a neighbor but a and c do not; an
	// epsilon-window comparator is non-transitive on this input and can
	// produce different orders for different input permutations.
	items := []scored{
		mk("a", 0.5),
		mk("b", 0.5+0.6*scoreEpsilon),
		mk("c", 0.5+1.2*scoreEpsilon),
		mk("d", 0.25),
	}

	var want []string
	for rot := 0; rot < len(items); rot++ {
		rotated := append(append([]scored(nil), items[rot:]...), items[:rot]...)
		rank(rotated)
		got := make([]string, len(rotated))
		for i, s := range rotated {
			got[i] = s.item.ID
		}
		if rot == 0 {
			want = got
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("rotation %d ranked %v, want %v", rot, got, want)
			}
		}
	}
}

type failingEmbedder struct{ dim int }

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}
func (f *failingEmbedder) Dimension() int { return f.dim }

func TestSemanticSearchDegradesToKeyword(t *testing.T) {
	s := NewStore(&failingEmbedder{dim: 64})
	mustStore(t, s, StoreRequest{Content: "nginx reload procedure", Category: "runbooks", MachineID: "m1"})

	page, err := s.Search(context.Background(), SearchRequest{Query: "nginx", Semantic: true, Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !page.Degraded {
		t.Error("expected degraded page")
	}
	if len(page.Items) != 1 {
		t.Errorf("keyword fallback missed the item: %d hits", len(page.Items))
	}
}

func TestRecentOrdering(t *testing.T) {
	s := newTestStore(t)
	var ids []string
	for i := 0; i < 3; i++ {
		id := mustStore(t, s, StoreRequest{
			Content:   fmt.Sprintf("event %d", i),
			Category:  "monitoring",
			MachineID: "m1",
		})
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	recent := s.Recent(context.Background(), RecentRequest{Hours: 1, Category: "monitoring", Limit: 10})
	if len(recent) != 3 {
		t.Fatalf("got %d items, want 3", len(recent))
	}
	if recent[0].ID != ids[2] {
		t.Errorf("newest first violated: got %s, want %s", recent[0].ID, ids[2])
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].CreatedAt.After(recent[i-1].CreatedAt) {
			t.Error("recent not in created_at descending order")
		}
	}
}
