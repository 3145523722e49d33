// Package tickets coordinates a task board for drones. The board itself is
// pluggable (embedded in-process or an external HTTP service); the
// coordinator enforces the status state machine and mirrors every write into
// the semantic memory index under the "tickets" category.
package tickets

import (
	"errors"
	"time"
)

// Ticket statuses. new -> in_progress -> review -> done is the happy path;
// blocked and cancelled are reachable from any non-terminal state.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
	StatusCancelled  = "cancelled"
)

// Ticket priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Ticket types.
const (
	TypeTask  = "task"
	TypeBug   = "bug"
	TypeStory = "story"
	TypeEpic  = "epic"
)

// ErrInvalidTransition rejects a status change the state machine does not
// allow. The ticket is left untouched.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the status state machine.
var transitions = map[string][]string{
	StatusNew:        {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress: {StatusReview, StatusBlocked, StatusCancelled},
	StatusReview:     {StatusDone, StatusInProgress, StatusBlocked, StatusCancelled},
	StatusBlocked:    {StatusNew, StatusInProgress, StatusReview, StatusCancelled},
	StatusDone:       {},
	StatusCancelled:  {},
}

// ValidTransition reports whether from -> to is allowed.
func ValidTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status accepts no further transitions.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusCancelled
}

// StatusChange is one audit record on a ticket's history.
type StatusChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Ticket is one unit of work on the board. TicketNumber increases
// monotonically per project.
type Ticket struct {
	TicketID      string         `json:"ticket_id"`
	TicketNumber  int            `json:"ticket_number"`
	ProjectID     string         `json:"project_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	TicketType    string         `json:"ticket_type"`
	Priority      string         `json:"priority"`
	Status        string         `json:"status"`
	Assignee      string         `json:"assignee,omitempty"`
	Reporter      string         `json:"reporter,omitempty"`
	Labels        []string       `json:"labels,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	TimeEstimate  string         `json:"time_estimate,omitempty"`
	ParentTicket  string         `json:"parent_ticket,omitempty"`
	StatusHistory []StatusChange `json:"status_history,omitempty"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Overdue reports whether the ticket is past its due date and still open.
func (t *Ticket) Overdue(now time.Time) bool {
	return t.DueDate != nil && now.After(*t.DueDate) && !Terminal(t.Status)
}

// Comment is one board comment. MemoryID links the mirror record in the
// semantic index so callers can correlate search hits back to the thread.
type Comment struct {
	CommentID string    `json:"comment_id"`
	TicketID  string    `json:"ticket_id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	MemoryID  string    `json:"memory_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter selects tickets from the board.
type ListFilter struct {
	ProjectID string
	Status    string
	Priority  string
	Assignee  string
	Limit     int
}

// Metrics aggregates board state for one project over a window.
type Metrics struct {
	ProjectID      string         `json:"project_id"`
	WindowDays     int            `json:"window_days"`
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByPriority     map[string]int `json:"by_priority"`
	ByType         map[string]int `json:"by_type"`
	AvgResolution  string         `json:"avg_resolution,omitempty"`
	CriticalOpen   int            `json:"critical_open"`
	OverdueTickets int            `json:"overdue_tickets"`
}
