// Package memory implements the collective memory store: content-addressed,
// categorized items with embedding-based semantic search, per-machine and
// per-scope filtering, and stable pagination.
package memory

import (
	"time"
)

// Scope is the visibility of a memory item.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
	ScopeMachine = "machine"
	ScopeAgent   = "agent"
)

// Categories is the canonical category set. Each category maps to one
// collection; unknown categories are rejected at store time.
var Categories = []string{
	"global", "project", "agent",
	"infrastructure", "incidents", "monitoring", "runbooks", "security",
	"tickets", "directives",
	"config_snapshots", "config_diffs", "config_alerts", "broadcasts",
}

// ValidCategory reports whether c is in the canonical set.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Item is one memory. ID and CreatedAt are immutable after store.
type Item struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Category  string            `json:"category"`
	Scope     string            `json:"scope"`
	MachineID string            `json:"machine_id"`
	AgentID   string            `json:"agent_id"`
	Project   string            `json:"project,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Context   string            `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	embedding []float32
}

// StoreRequest are the caller-supplied fields of a new memory.
type StoreRequest struct {
	Content   string
	Category  string
	Scope     string
	Tags      []string
	Metadata  map[string]string
	Context   string
	Project   string
	MachineID string
	AgentID   string
}

// SearchRequest filters and ranks a query over one or all collections.
type SearchRequest struct {
	Query            string
	Category         string // empty = all categories
	Scope            string // empty = any scope
	IncludeGlobal    bool   // include global-scope items when Scope is set
	MachineFilterIn  []string
	MachineFilterOut []string
	AgentID          string // restrict to one issuer agent
	Semantic         bool
	Limit            int
	Offset           int
}

// RecentRequest lists newest items first.
type RecentRequest struct {
	Hours    int
	Category string
	AgentID  string
	Limit    int
}

// Page is a search result window.
type Page struct {
	Items    []*Item `json:"items"`
	Total    int     `json:"total"`
	HasMore  bool    `json:"has_more"`
	Degraded bool    `json:"degraded,omitempty"` // true when the embedder failed and keyword fallback ran
}
