package tickets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/memory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Store) {
	t.Helper()
	memories := memory.NewStore(memory.NewHashEmbedder(64))
	return NewCoordinator(NewEmbeddedBoard(), memories, "test-machine"), memories
}

func mustCreate(t *testing.T, c *Coordinator, req CreateRequest) *Ticket {
	t.Helper()
	ticket, err := c.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return ticket
}

func TestCreateDefaultsAndNumbering(t *testing.T) {
	c, _ := newTestCoordinator(t)

	first := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "wire the relay"})
	if first.Status != StatusNew || first.TicketType != TypeTask || first.Priority != PriorityMedium {
		t.Errorf("defaults: %+v", first)
	}
	if first.TicketNumber != 1 {
		t.Errorf("first number = %d", first.TicketNumber)
	}

	second := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "test the relay"})
	other := mustCreate(t, c, CreateRequest{ProjectID: "ops", Title: "rotate certs"})
	if second.TicketNumber != 2 || other.TicketNumber != 1 {
		t.Errorf("numbering per project: mesh#%d ops#%d", second.TicketNumber, other.TicketNumber)
	}
}

func TestCreateValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.Create(context.Background(), CreateRequest{ProjectID: "mesh"}); err == nil {
		t.Error("missing title accepted")
	}
	if _, err := c.Create(context.Background(), CreateRequest{Title: "x"}); err == nil {
		t.Error("missing project accepted")
	}
}

func TestStatusMachine(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{StatusNew, StatusInProgress, true},
		{StatusNew, StatusDone, false},
		{StatusInProgress, StatusReview, true},
		{StatusReview, StatusDone, true},
		{StatusReview, StatusInProgress, true},
		{StatusNew, StatusBlocked, true},
		{StatusReview, StatusCancelled, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusDone, StatusInProgress, false},
		{StatusCancelled, StatusNew, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestIllegalTransitionLeavesTicketUntouched(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ticket := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "x"})

	_, err := c.UpdateStatus(context.Background(), ticket.TicketID, StatusDone, "drone-1", "")
	if err == nil || !strings.Contains(err.Error(), "invalid state transition") {
		t.Fatalf("err = %v", err)
	}

	after, err := c.Get(context.Background(), ticket.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != StatusNew || len(after.StatusHistory) != 0 {
		t.Errorf("ticket mutated on rejected transition: %+v", after)
	}
}

func TestStatusChangeAuditsAndResolves(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ticket := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "x"})
	ctx := context.Background()

	for _, status := range []string{StatusInProgress, StatusReview, StatusDone} {
		if _, err := c.UpdateStatus(ctx, ticket.TicketID, status, "drone-1", ""); err != nil {
			t.Fatalf("-> %s: %v", status, err)
		}
	}

	final, err := c.Get(ctx, ticket.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if len(final.StatusHistory) != 3 {
		t.Errorf("history has %d records", len(final.StatusHistory))
	}
	if final.StatusHistory[2].From != StatusReview || final.StatusHistory[2].To != StatusDone {
		t.Errorf("last audit record: %+v", final.StatusHistory[2])
	}
	if final.ResolvedAt == nil {
		t.Error("done ticket has no resolved_at")
	}
}

func TestTicketMirrorsSearchable(t *testing.T) {
	c, memories := newTestCoordinator(t)
	ticket := mustCreate(t, c, CreateRequest{
		ProjectID: "mesh", Title: "replace failing nvme on web-3", TicketType: TypeBug,
	})

	page, err := memories.Search(context.Background(), memory.SearchRequest{
		Query: "failing nvme", Category: "tickets", Limit: 5,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("ticket mirror not searchable")
	}
	tags := page.Items[0].Tags
	for _, want := range []string{"ticket", ticket.TicketID, TypeBug, PriorityMedium, StatusNew} {
		found := false
		for _, tag := range tags {
			if tag == want {
				found = true
			}
		}
		if !found {
			t.Errorf("mirror tags missing %q: %v", want, tags)
		}
	}
}

func TestCommentsOrderedWithMemoryIDs(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ticket := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "x"})
	ctx := context.Background()

	for _, text := range []string{"taking this", "blocked on DNS", "resolved"} {
		if _, err := c.AddComment(ctx, ticket.TicketID, text, "drone-1"); err != nil {
			t.Fatalf("comment %q: %v", text, err)
		}
	}

	comments, err := c.Comments(ctx, ticket.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 3 {
		t.Fatalf("got %d comments", len(comments))
	}
	for i, want := range []string{"taking this", "blocked on DNS", "resolved"} {
		if comments[i].Text != want {
			t.Errorf("comments[%d] = %q, want %q", i, comments[i].Text, want)
		}
		if comments[i].MemoryID == "" {
			t.Errorf("comments[%d] has no memory id", i)
		}
	}
}

func TestCommentOnUnknownTicket(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.AddComment(context.Background(), "nope", "hi", "drone-1"); err == nil {
		t.Error("comment on unknown ticket accepted")
	}
}

func TestGetMetrics(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	bug := mustCreate(t, c, CreateRequest{
		ProjectID: "mesh", Title: "bug", TicketType: TypeBug, Priority: PriorityCritical,
	})
	overdue := mustCreate(t, c, CreateRequest{
		ProjectID: "mesh", Title: "late task", DueDate: &past,
	})
	resolved := mustCreate(t, c, CreateRequest{ProjectID: "mesh", Title: "quick fix"})
	mustCreate(t, c, CreateRequest{ProjectID: "other", Title: "unrelated"})

	for _, status := range []string{StatusInProgress, StatusReview, StatusDone} {
		if _, err := c.UpdateStatus(ctx, resolved.TicketID, status, "drone-1", ""); err != nil {
			t.Fatal(err)
		}
	}

	m, err := c.GetMetrics(ctx, "mesh", 7)
	if err != nil {
		t.Fatal(err)
	}
	if m.Total != 3 {
		t.Errorf("total = %d, want 3 (project filter)", m.Total)
	}
	if m.ByStatus[StatusNew] != 2 || m.ByStatus[StatusDone] != 1 {
		t.Errorf("by_status = %v", m.ByStatus)
	}
	if m.ByType[TypeBug] != 1 || m.ByType[TypeTask] != 2 {
		t.Errorf("by_type = %v", m.ByType)
	}
	if m.CriticalOpen != 1 {
		t.Errorf("critical_open = %d (bug %s)", m.CriticalOpen, bug.Priority)
	}
	if m.OverdueTickets != 1 {
		t.Errorf("overdue = %d (due %v)", m.OverdueTickets, overdue.DueDate)
	}
	if m.AvgResolution == "" {
		t.Error("avg_resolution empty with one resolved ticket")
	}
}

func TestHTTPBoardRoundTrip(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/tickets":
			var ticket Ticket
			if err := json.NewDecoder(r.Body).Decode(&ticket); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ticket.TicketID = "T-1"
			ticket.TicketNumber = 42
			json.NewEncoder(w).Encode(ticket)
		case r.Method == http.MethodGet && r.URL.Path == "/api/tickets/T-1":
			json.NewEncoder(w).Encode(Ticket{TicketID: "T-1", Status: StatusNew, Title: "remote"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	board := NewHTTPBoard(config.TicketsConfig{BoardURL: srv.URL, BoardToken: "tok"})
	ctx := context.Background()

	ticket := &Ticket{ProjectID: "mesh", Title: "remote"}
	if err := board.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.TicketID != "T-1" || ticket.TicketNumber != 42 {
		t.Errorf("server assignment lost: %+v", ticket)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}

	got, err := board.GetTicket(ctx, "T-1")
	if err != nil || got.Title != "remote" {
		t.Errorf("get: %+v, %v", got, err)
	}
	if _, err := board.GetTicket(ctx, "missing"); err != ErrTicketNotFound {
		t.Errorf("missing ticket err = %v", err)
	}
}
