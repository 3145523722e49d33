package memory

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// collection holds every item of one category. One mutex per collection keeps
// store/search contention local to a category.
type collection struct {
	category string
	dim      int

	mu    sync.RWMutex
	items map[string]*Item
}

func newCollection(category string, dim int) *collection {
	return &collection{
		category: category,
		dim:      dim,
		items:    make(map[string]*Item),
	}
}

func (c *collection) insert(item *Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *collection) get(id string) *Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[id]
}

func (c *collection) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

func (c *collection) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// scored pairs an item with its ranking score.
type scored struct {
	item  *Item
	score float64
}

// matches applies the non-semantic predicates of a search request.
// Filtering happens before top-k selection so pagination never loses hits.
func matches(item *Item, req *SearchRequest) bool {
	if req.Scope != "" {
		if item.Scope != req.Scope && !(req.IncludeGlobal && item.Scope == ScopeGlobal) {
			return false
		}
	}
	if req.AgentID != "" && item.AgentID != req.AgentID {
		return false
	}
	if len(req.MachineFilterIn) > 0 && !containsStr(req.MachineFilterIn, item.MachineID) {
		return false
	}
	if containsStr(req.MachineFilterOut, item.MachineID) {
		return false
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

// collect scores every matching item in the collection. With a query vector
// the score is cosine similarity; otherwise keyword matching over content and
// tags decides inclusion (score 1 on hit).
func (c *collection) collect(req *SearchRequest, queryVec []float32) []scored {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := strings.ToLower(req.Query)
	var out []scored
	for _, item := range c.items {
		if !matches(item, req) {
			continue
		}
		if queryVec != nil {
			out = append(out, scored{item: item, score: cosine(queryVec, item.embedding)})
			continue
		}
		if query == "" || keywordHit(item, query) {
			out = append(out, scored{item: item, score: 1})
		}
	}
	return out
}

func keywordHit(item *Item, loweredQuery string) bool {
	if strings.Contains(strings.ToLower(item.Content), loweredQuery) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), loweredQuery) {
			return true
		}
	}
	return false
}

// recent returns items created within the window, filtered by agent.
func (c *collection) recent(since time.Time, agentID string) []*Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Item
	for _, item := range c.items {
		if item.CreatedAt.Before(since) {
			continue
		}
		if agentID != "" && item.AgentID != agentID {
			continue
		}
		out = append(out, item)
	}
	return out
}

// rank orders scored items: quantized score descending, with ties broken by
// created_at descending then id ascending. Scores are quantized to epsilon
// buckets before comparing; a raw epsilon window is not transitive when three
// scores straddle the boundary, and a non-transitive comparator makes sort
// order (and offset pagination) unstable.
const scoreEpsilon = 1e-6

func quantizeScore(score float64) int64 {
	return int64(math.Round(score / scoreEpsilon))
}

func rank(items []scored) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if qa, qb := quantizeScore(a.score), quantizeScore(b.score); qa != qb {
			return qa > qb
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.After(b.item.CreatedAt)
		}
		return a.item.ID < b.item.ID
	})
}
