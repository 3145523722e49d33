package tickets

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTicketNotFound is returned by boards for unknown ticket ids.
var ErrTicketNotFound = errors.New("ticket not found")

// Board is the CRUD surface the coordinator drives. The embedded board keeps
// everything in process; HTTPBoard fronts an external service.
type Board interface {
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
	UpdateTicket(ctx context.Context, t *Ticket) error
	ListTickets(ctx context.Context, filter ListFilter) ([]Ticket, error)
	AddComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, ticketID string) ([]Comment, error)
}

// EmbeddedBoard is the in-process board used when no board_url is
// configured. Ticket numbers increase monotonically per project.
type EmbeddedBoard struct {
	mu       sync.Mutex
	tickets  map[string]*Ticket
	comments map[string][]Comment
	nextNum  map[string]int
}

// NewEmbeddedBoard returns an empty in-process board.
func NewEmbeddedBoard() *EmbeddedBoard {
	return &EmbeddedBoard{
		tickets:  make(map[string]*Ticket),
		comments: make(map[string][]Comment),
		nextNum:  make(map[string]int),
	}
}

func (b *EmbeddedBoard) CreateTicket(_ context.Context, t *Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.TicketID == "" {
		t.TicketID = uuid.Must(uuid.NewV7()).String()
	}
	b.nextNum[t.ProjectID]++
	t.TicketNumber = b.nextNum[t.ProjectID]
	clone := *t
	b.tickets[t.TicketID] = &clone
	return nil
}

func (b *EmbeddedBoard) GetTicket(_ context.Context, ticketID string) (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	clone := *t
	return &clone, nil
}

func (b *EmbeddedBoard) UpdateTicket(_ context.Context, t *Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tickets[t.TicketID]; !ok {
		return ErrTicketNotFound
	}
	clone := *t
	b.tickets[t.TicketID] = &clone
	return nil
}

func (b *EmbeddedBoard) ListTickets(_ context.Context, filter ListFilter) ([]Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Ticket
	for _, t := range b.tickets {
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Assignee != "" && t.Assignee != filter.Assignee {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].TicketNumber < out[j].TicketNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *EmbeddedBoard) AddComment(_ context.Context, c *Comment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tickets[c.TicketID]; !ok {
		return ErrTicketNotFound
	}
	if c.CommentID == "" {
		c.CommentID = uuid.Must(uuid.NewV7()).String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	b.comments[c.TicketID] = append(b.comments[c.TicketID], *c)
	return nil
}

func (b *EmbeddedBoard) ListComments(_ context.Context, ticketID string) ([]Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Appended in creation order already.
	out := make([]Comment, len(b.comments[ticketID]))
	copy(out, b.comments[ticketID])
	return out, nil
}
