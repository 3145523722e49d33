package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/bus"
)

// ErrUnavailable is returned by Store and Search once the index is corrupt.
// The hub stays up; memory operations fail fast until restart.
var ErrUnavailable = errors.New("memory store unavailable")

// ErrEmptyContent rejects memories without content.
var ErrEmptyContent = errors.New("memory content must not be empty")

// ErrUnknownCategory rejects categories outside the canonical set.
var ErrUnknownCategory = errors.New("unknown memory category")

type dedupEntry struct {
	id string
	at time.Time
}

// Store is the process-wide collective memory service.
type Store struct {
	embedder    Embedder
	dedupWindow time.Duration
	events      bus.Publisher // may be nil

	collections map[string]*collection // fixed key set, no lock needed

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry // content hash → prior store

	unavailable atomic.Bool
}

// Option configures the Store.
type Option func(*Store)

// WithEvents publishes a bus.EventMemoryStored event after every store.
func WithEvents(p bus.Publisher) Option {
	return func(s *Store) { s.events = p }
}

// WithDedupWindow overrides the 24 h idempotency window.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupWindow = d }
}

// NewStore creates a memory store with one collection per canonical category.
func NewStore(embedder Embedder, opts ...Option) *Store {
	s := &Store{
		embedder:    embedder,
		dedupWindow: 24 * time.Hour,
		collections: make(map[string]*collection, len(Categories)),
		dedup:       make(map[string]dedupEntry),
	}
	for _, cat := range Categories {
		s.collections[cat] = newCollection(cat, embedder.Dimension())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContentHash is the idempotency key: sha-256 over content, category and the
// issuing machine.
func ContentHash(content, category, machineID string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(machineID))
	return hex.EncodeToString(h.Sum(nil))
}

// Store writes a new memory and returns its id. A second call with the same
// (content, category, machine_id) inside the dedup window returns the prior id.
func (s *Store) Store(ctx context.Context, req StoreRequest) (string, error) {
	if s.unavailable.Load() {
		return "", ErrUnavailable
	}
	if req.Content == "" {
		return "", ErrEmptyContent
	}
	if !ValidCategory(req.Category) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, req.Category)
	}
	if req.Scope == "" {
		req.Scope = ScopeGlobal
	}

	hash := ContentHash(req.Content, req.Category, req.MachineID)
	s.dedupMu.Lock()
	if prior, ok := s.dedup[hash]; ok && time.Since(prior.at) < s.dedupWindow {
		s.dedupMu.Unlock()
		return prior.id, nil
	}
	s.dedupMu.Unlock()

	embedding, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		// Degraded: the item is still stored and findable by keyword search.
		slog.Warn("memory.embed_failed", "category", req.Category, "error", err)
		embedding = nil
	}

	col := s.collections[req.Category]
	if embedding != nil && len(embedding) != col.dim {
		s.unavailable.Store(true)
		return "", ErrUnavailable
	}

	now := time.Now().UTC()
	item := &Item{
		ID:        uuid.NewString(),
		Content:   req.Content,
		Category:  req.Category,
		Scope:     req.Scope,
		MachineID: req.MachineID,
		AgentID:   req.AgentID,
		Project:   req.Project,
		Tags:      req.Tags,
		Metadata:  req.Metadata,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
		embedding: embedding,
	}
	col.insert(item)

	s.dedupMu.Lock()
	s.dedup[hash] = dedupEntry{id: item.ID, at: now}
	s.dedupMu.Unlock()

	if s.events != nil {
		s.events.Publish(bus.Event{Name: bus.EventMemoryStored, Payload: map[string]string{
			"id": item.ID, "category": item.Category, "machine_id": item.MachineID,
		}})
	}
	return item.ID, nil
}

// Retrieve returns an item by id, or nil when unknown or tombstoned.
func (s *Store) Retrieve(_ context.Context, id string) *Item {
	for _, col := range s.collections {
		if item := col.get(id); item != nil {
			return item
		}
	}
	return nil
}

// Delete tombstones an item. Subsequent searches and retrievals miss it, and
// the dedup index forgets it so the content can be stored again.
func (s *Store) Delete(_ context.Context, id string) bool {
	removed := false
	for _, col := range s.collections {
		if col.remove(id) {
			removed = true
			break
		}
	}
	if removed {
		s.dedupMu.Lock()
		for hash, entry := range s.dedup {
			if entry.id == id {
				delete(s.dedup, hash)
			}
		}
		s.dedupMu.Unlock()
	}
	return removed
}

// Search ranks matching items and returns one page. Semantic searches fall
// back to keyword matching when the embedder fails, flagged via Page.Degraded.
func (s *Store) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	if s.unavailable.Load() {
		return nil, ErrUnavailable
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	var queryVec []float32
	degraded := false
	if req.Semantic && req.Query != "" {
		vec, err := s.embedder.Embed(ctx, req.Query)
		if err != nil {
			slog.Warn("memory.search_embed_failed", "error", err)
			degraded = true
		} else {
			queryVec = vec
		}
	}

	var all []scored
	for _, col := range s.targetCollections(req.Category) {
		all = append(all, col.collect(&req, queryVec)...)
	}
	rank(all)

	total := len(all)
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}

	items := make([]*Item, 0, end-start)
	for _, sc := range all[start:end] {
		items = append(items, sc.item)
	}
	return &Page{
		Items:    items,
		Total:    total,
		HasMore:  end < total,
		Degraded: degraded,
	}, nil
}

// Recent returns the newest items inside the window, created_at descending.
func (s *Store) Recent(_ context.Context, req RecentRequest) []*Item {
	if req.Hours <= 0 {
		req.Hours = 24
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	since := time.Now().UTC().Add(-time.Duration(req.Hours) * time.Hour)

	var all []*Item
	for _, col := range s.targetCollections(req.Category) {
		all = append(all, col.recent(since, req.AgentID)...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > req.Limit {
		all = all[:req.Limit]
	}
	return all
}

// Count returns the number of live items across all collections.
func (s *Store) Count() int {
	n := 0
	for _, col := range s.collections {
		n += col.size()
	}
	return n
}

// Healthy reports whether the store accepts reads and writes.
func (s *Store) Healthy() bool { return !s.unavailable.Load() }

func (s *Store) targetCollections(category string) []*collection {
	if category != "" {
		if col, ok := s.collections[category]; ok {
			return []*collection{col}
		}
		return nil
	}
	out := make([]*collection, 0, len(s.collections))
	for _, col := range s.collections {
		out = append(out, col)
	}
	return out
}
