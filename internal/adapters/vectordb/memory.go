// Package vectordb provides vector store adapters.
// Clean Architecture: Adapters implementing ports.VectorStore.
package vectordb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// InMemoryStore is a simple in-memory vector store, useful for tests and
// small catalogs. Collections are created lazily.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	records    map[string]entities.Record
	embeddings map[string][]float32
	order      []string // insertion order for deterministic scans
}

// NewInMemoryStore creates a new in-memory vector store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{collections: make(map[string]*memCollection)}
}

func (s *InMemoryStore) collection(name string, create bool) *memCollection {
	if create {
		s.mu.Lock()
		defer s.mu.Unlock()
		c, ok := s.collections[name]
		if !ok {
			c = &memCollection{
				records:    make(map[string]entities.Record),
				embeddings: make(map[string][]float32),
			}
			s.collections[name] = c
		}
		return c
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[name]
}

// Upsert stores records with their embeddings.
func (s *InMemoryStore) Upsert(ctx context.Context, collection string, records []entities.Record, embeddings [][]float32) error {
	c := s.collection(collection, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range records {
		if _, exists := c.records[r.ID]; !exists {
			c.order = append(c.order, r.ID)
		}
		c.records[r.ID] = r
		if i < len(embeddings) {
			c.embeddings[r.ID] = embeddings[i]
		}
	}
	return nil
}

// Search ranks a collection's records by cosine similarity, descending.
func (s *InMemoryStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]entities.ScoredRecord, error) {
	c := s.collection(collection, false)
	if c == nil {
		return nil, nil
	}

	s.mu.RLock()
	results := make([]entities.ScoredRecord, 0, len(c.order))
	for _, id := range c.order {
		results = append(results, entities.ScoredRecord{
			Record: c.records[id],
			Score:  entities.Cosine(embedding, c.embeddings[id]),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Get fetches one record by id; (nil, nil) when absent.
func (s *InMemoryStore) Get(ctx context.Context, collection, recordID string) (*entities.Record, error) {
	c := s.collection(collection, false)
	if c == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := c.records[recordID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// FindByMetadata returns records whose field matches value exactly or as a
// case-insensitive substring.
func (s *InMemoryStore) FindByMetadata(ctx context.Context, collection, field, value string, limit int) ([]entities.Record, error) {
	c := s.collection(collection, false)
	if c == nil {
		return nil, nil
	}
	needle := strings.ToLower(value)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entities.Record
	for _, id := range c.order {
		r := c.records[id]
		if strings.Contains(strings.ToLower(r.Metadata[field]), needle) {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Scan returns every record in insertion order.
func (s *InMemoryStore) Scan(ctx context.Context, collection string) ([]entities.Record, error) {
	c := s.collection(collection, false)
	if c == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entities.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out, nil
}
