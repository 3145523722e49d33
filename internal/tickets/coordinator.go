package tickets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// Coordinator drives a Board and keeps the semantic index in step with it.
type Coordinator struct {
	board     Board
	memories  *memory.Store
	machineID string
	now       func() time.Time
}

// NewCoordinator wires the coordinator. memories may be nil in tests.
func NewCoordinator(board Board, memories *memory.Store, machineID string) *Coordinator {
	return &Coordinator{
		board:     board,
		memories:  memories,
		machineID: machineID,
		now:       time.Now,
	}
}

// CreateRequest is the payload of the ticket.create tool.
type CreateRequest struct {
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	TicketType   string     `json:"ticket_type,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Reporter     string     `json:"reporter,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	TimeEstimate string     `json:"time_estimate,omitempty"`
	ParentTicket string     `json:"parent_ticket,omitempty"`
}

// Create opens a ticket in status new and mirrors it into memory.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	if req.Title == "" {
		return nil, protocol.BadArgf("title is required")
	}
	if req.ProjectID == "" {
		return nil, protocol.BadArgf("project_id is required")
	}
	if req.TicketType == "" {
		req.TicketType = TypeTask
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}

	now := c.now()
	t := &Ticket{
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Description:  req.Description,
		TicketType:   req.TicketType,
		Priority:     req.Priority,
		Status:       StatusNew,
		Assignee:     req.Assignee,
		Reporter:     req.Reporter,
		Labels:       req.Labels,
		DueDate:      req.DueDate,
		TimeEstimate: req.TimeEstimate,
		ParentTicket: req.ParentTicket,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.board.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	c.mirrorTicket(ctx, t, "created")
	slog.Info("tickets.created",
		"ticket_id", t.TicketID, "project", t.ProjectID, "number", t.TicketNumber,
		"type", t.TicketType, "priority", t.Priority)
	return t, nil
}

// Get returns one ticket.
func (c *Coordinator) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	t, err := c.board.GetTicket(ctx, ticketID)
	if err == ErrTicketNotFound {
		return nil, protocol.Errorf(protocol.KindToolError, "ticket %s not found", ticketID)
	}
	return t, err
}

// UpdateStatus applies one state-machine transition with an audit record.
// Illegal transitions return ErrInvalidTransition and leave the ticket
// unchanged.
func (c *Coordinator) UpdateStatus(ctx context.Context, ticketID, newStatus, actor, note string) (*Ticket, error) {
	t, err := c.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(t.Status, newStatus) {
		return nil, protocol.Errorf(protocol.KindBadArgument, "%v: %s -> %s",
			ErrInvalidTransition, t.Status, newStatus)
	}

	now := c.now()
	t.StatusHistory = append(t.StatusHistory, StatusChange{
		From:      t.Status,
		To:        newStatus,
		Actor:     actor,
		Note:      note,
		ChangedAt: now,
	})
	t.Status = newStatus
	t.UpdatedAt = now
	if newStatus == StatusDone {
		t.ResolvedAt = &now
	}

	if err := c.board.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}

	c.mirrorTicket(ctx, t, "status "+newStatus)
	slog.Info("tickets.status_changed",
		"ticket_id", t.TicketID, "status", newStatus, "actor", actor)
	return t, nil
}

// UpdateFields patches mutable ticket fields (not status; see UpdateStatus).
type UpdateFields struct {
	Title        *string
	Description  *string
	Priority     *string
	Assignee     *string
	Labels       []string
	DueDate      *time.Time
	TimeEstimate *string
}

// Update applies a field patch and mirrors the result.
func (c *Coordinator) Update(ctx context.Context, ticketID string, fields UpdateFields) (*Ticket, error) {
	t, err := c.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if fields.Title != nil {
		t.Title = *fields.Title
	}
	if fields.Description != nil {
		t.Description = *fields.Description
	}
	if fields.Priority != nil {
		t.Priority = *fields.Priority
	}
	if fields.Assignee != nil {
		t.Assignee = *fields.Assignee
	}
	if fields.Labels != nil {
		t.Labels = fields.Labels
	}
	if fields.DueDate != nil {
		t.DueDate = fields.DueDate
	}
	if fields.TimeEstimate != nil {
		t.TimeEstimate = *fields.TimeEstimate
	}
	t.UpdatedAt = c.now()

	if err := c.board.UpdateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}
	c.mirrorTicket(ctx, t, "updated")
	return t, nil
}

// AddComment appends a board comment and its mirror memory. The returned
// comment carries the mirror's memory id.
func (c *Coordinator) AddComment(ctx context.Context, ticketID, text, author string) (*Comment, error) {
	if text == "" {
		return nil, protocol.BadArgf("text is required")
	}
	if _, err := c.Get(ctx, ticketID); err != nil {
		return nil, err
	}

	comment := &Comment{
		TicketID:  ticketID,
		Author:    author,
		Text:      text,
		CreatedAt: c.now(),
	}
	comment.MemoryID = c.mirror(ctx, fmt.Sprintf("Comment on ticket %s by %s: %s", ticketID, author, text),
		author, []string{"ticket", ticketID, "comment"})
	if err := c.board.AddComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", ticketID, err)
	}
	return comment, nil
}

// Comments returns the thread in creation order.
func (c *Coordinator) Comments(ctx context.Context, ticketID string) ([]Comment, error) {
	if _, err := c.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	return c.board.ListComments(ctx, ticketID)
}

// List returns tickets matching the filter.
func (c *Coordinator) List(ctx context.Context, filter ListFilter) ([]Ticket, error) {
	return c.board.ListTickets(ctx, filter)
}

// GetMetrics aggregates the project's board state over the last days.
func (c *Coordinator) GetMetrics(ctx context.Context, projectID string, days int) (*Metrics, error) {
	if days <= 0 {
		days = 30
	}
	all, err := c.board.ListTickets(ctx, ListFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	now := c.now()
	cutoff := now.AddDate(0, 0, -days)
	m := &Metrics{
		ProjectID:  projectID,
		WindowDays: days,
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
	}

	var resolved int
	var resolutionSum time.Duration
	for i := range all {
		t := &all[i]
		if t.CreatedAt.Before(cutoff) && (t.ResolvedAt == nil || t.ResolvedAt.Before(cutoff)) {
			continue
		}
		m.Total++
		m.ByStatus[t.Status]++
		m.ByPriority[t.Priority]++
		m.ByType[t.TicketType]++
		if t.Priority == PriorityCritical && !Terminal(t.Status) {
			m.CriticalOpen++
		}
		if t.Overdue(now) {
			m.OverdueTickets++
		}
		if t.ResolvedAt != nil {
			resolved++
			resolutionSum += t.ResolvedAt.Sub(t.CreatedAt)
		}
	}
	if resolved > 0 {
		m.AvgResolution = (resolutionSum / time.Duration(resolved)).Round(time.Minute).String()
	}
	return m, nil
}

// mirrorTicket writes the ticket's searchable mirror. Tags are stable so
// repeated updates of one ticket cluster under the same keys.
func (c *Coordinator) mirrorTicket(ctx context.Context, t *Ticket, event string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket %s #%d (%s): %s", t.ProjectID, t.TicketNumber, event, t.Title)
	if t.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(t.Description)
	}
	c.mirror(ctx, sb.String(), t.Assignee,
		[]string{"ticket", t.TicketID, t.TicketType, t.Priority, t.Status})
}

// mirror stores one memory in the tickets category, returning its id.
// Failures are logged only; the board row is the source of truth.
func (c *Coordinator) mirror(ctx context.Context, content, agentID string, tags []string) string {
	if c.memories == nil {
		return ""
	}
	id, err := c.memories.Store(ctx, memory.StoreRequest{
		Content:   content,
		Category:  "tickets",
		Scope:     memory.ScopeGlobal,
		MachineID: c.machineID,
		AgentID:   agentID,
		Tags:      tags,
	})
	if err != nil {
		slog.Debug("tickets.mirror_failed", "error", err)
		return ""
	}
	return id
}
