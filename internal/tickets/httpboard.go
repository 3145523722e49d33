package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// HTTPBoard fronts an external board service speaking a plain JSON CRUD API:
//
//	POST   /api/tickets
//	GET    /api/tickets/{id}
//	PUT    /api/tickets/{id}
//	GET    /api/tickets?project_id=&status=...
//	POST   /api/tickets/{id}/comments
//	GET    /api/tickets/{id}/comments
type HTTPBoard struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBoard builds a client for the configured board service.
func NewHTTPBoard(cfg config.TicketsConfig) *HTTPBoard {
	return &HTTPBoard{
		baseURL: cfg.BoardURL,
		token:   cfg.BoardToken,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *HTTPBoard) CreateTicket(ctx context.Context, t *Ticket) error {
	return b.do(ctx, http.MethodPost, "/api/tickets", t, t)
}

func (b *HTTPBoard) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var t Ticket
	if err := b.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(ticketID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *HTTPBoard) UpdateTicket(ctx context.Context, t *Ticket) error {
	return b.do(ctx, http.MethodPut, "/api/tickets/"+url.PathEscape(t.TicketID), t, t)
}

func (b *HTTPBoard) ListTickets(ctx context.Context, filter ListFilter) ([]Ticket, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Priority != "" {
		q.Set("priority", filter.Priority)
	}
	if filter.Assignee != "" {
		q.Set("assignee", filter.Assignee)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	path := "/api/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Ticket
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *HTTPBoard) AddComment(ctx context.Context, c *Comment) error {
	return b.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(c.TicketID)+"/comments", c, c)
}

func (b *HTTPBoard) ListComments(ctx context.Context, ticketID string) ([]Comment, error) {
	var out []Comment
	if err := b.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(ticketID)+"/comments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *HTTPBoard) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("board: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("board: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return protocol.Errorf(protocol.KindUnavailable, "board: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTicketNotFound
	case resp.StatusCode >= 400:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.Errorf(protocol.KindUnavailable, "board: status %d: %s", resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("board: decode response: %w", err)
	}
	return nil
}
