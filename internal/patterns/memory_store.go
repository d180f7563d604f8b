package patterns

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/pagination"
	"github.com/recallhq/recall/internal/storage"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*FraudPattern
}

// NewMemoryStore creates an in-memory pattern store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]*FraudPattern)}
}

func copyPattern(p *FraudPattern) *FraudPattern {
	c := *p
	if p.Signature != nil {
		c.Signature = make(map[string]string, len(p.Signature))
		for k, v := range p.Signature {
			c.Signature[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) Put(ctx context.Context, p *FraudPattern, opts ...storage.PutOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IfNotExists {
		if _, ok := s.patterns[p.ID]; ok {
			return storage.Conflict("fraud_pattern", p.ID)
		}
	}
	s.patterns[p.ID] = copyPattern(p)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*FraudPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, storage.NotFound("fraud_pattern", id)
	}
	return copyPattern(p), nil
}

func (s *MemoryStore) ListByType(ctx context.Context, patternType string, limit int, cursor string) (*storage.Page[*FraudPattern], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("fraud_pattern", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	var matches []*FraudPattern
	for _, p := range s.patterns {
		if p.Type == patternType {
			matches = append(matches, p)
		}
	}
	s.mu.RUnlock()

	// Most recently seen first, IDs break ties.
	sortPatterns(matches)
	if cur != nil {
		start := 0
		for start < len(matches) {
			p := matches[start]
			if p.LastSeen.Before(cur.At) || (p.LastSeen.Equal(cur.At) && p.ID < cur.ID) {
				break
			}
			start++
		}
		matches = matches[start:]
	}

	items, next, more := pagination.Trim(matches, limit, func(p *FraudPattern) (time.Time, string) {
		return p.LastSeen, p.ID
	})
	out := make([]*FraudPattern, len(items))
	for i, p := range items {
		out[i] = copyPattern(p)
	}
	return &storage.Page[*FraudPattern]{Items: out, Cursor: next, HasMore: more}, nil
}

func sortPatterns(items []*FraudPattern) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastSeen.Equal(items[j].LastSeen) {
			return items[i].LastSeen.After(items[j].LastSeen)
		}
		return items[i].ID > items[j].ID
	})
}

func (s *MemoryStore) RecordObservation(ctx context.Context, id string, hit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return storage.NotFound("fraud_pattern", id)
	}
	p.MatchCount++
	if hit {
		p.HitCount++
	}
	p.LastSeen = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patterns, id)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, p := range s.patterns {
		b, _ := json.Marshal(p)
		bytes += int64(len(b))
	}
	return &storage.EntityStats{Entity: "fraud_pattern", Count: int64(len(s.patterns)), EstimatedBytes: bytes}, nil
}
