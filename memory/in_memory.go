package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/makermesh/core"
)

// ErrNotFound is returned by Forget for an unknown fact.
var ErrNotFound = fmt.Errorf("memory: fact not found")

// StoredFact is the internal representation kept by InMemoryStore.
type StoredFact struct {
	ID       string
	Content  string
	Metadata map[string]string
	seq      int
}

// InMemoryStore is a process-local core.FactStore.
//
// Search scores a fact by the fraction of query terms it contains
// (case-insensitive). Ties keep insertion order. An empty query returns every
// fact of the scope in insertion order with score 1.
type InMemoryStore struct {
	mu    sync.RWMutex
	facts map[string]map[string]StoredFact // scope -> fact id -> fact
	seq   int
}

var _ core.FactStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty fact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{facts: make(map[string]map[string]StoredFact)}
}

// Remember stores content under scope and returns the new fact id.
func (m *InMemoryStore) Remember(_ context.Context, scope, content string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.facts[scope]; !exists {
		m.facts[scope] = make(map[string]StoredFact)
	}

	m.seq++
	id := fmt.Sprintf("fact_%d", m.seq)

	m.facts[scope][id] = StoredFact{ID: id, Content: content, Metadata: maps.Clone(metadata), seq: m.seq}

	return id, nil
}

// Search returns up to limit facts ordered by score. limit <= 0 means no limit.
func (m *InMemoryStore) Search(_ context.Context, scope, query string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	facts := slices.Collect(maps.Values(m.facts[scope]))
	slices.SortFunc(facts, func(a, b StoredFact) int { return a.seq - b.seq })

	terms := strings.Fields(strings.ToLower(query))

	results := make([]core.SearchResult, 0, len(facts))
	for _, f := range facts {
		score := relevance(f.Content, terms)
		if score == 0 {
			continue
		}

		results = append(results, core.SearchResult{
			ID:       f.ID,
			Content:  f.Content,
			Score:    score,
			Metadata: maps.Clone(f.Metadata),
		})
	}

	slices.SortStableFunc(results, func(a, b core.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// Forget removes a fact.
func (m *InMemoryStore) Forget(_ context.Context, scope, factID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.facts[scope][factID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, factID)
	}

	delete(m.facts[scope], factID)

	return nil
}

func relevance(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}

	lower := strings.ToLower(content)
	hits := 0

	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}

	return float64(hits) / float64(len(terms))
}
