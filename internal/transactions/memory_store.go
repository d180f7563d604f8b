package transactions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/pagination"
	"github.com/recallhq/recall/internal/storage"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func copyTransaction(t *Transaction) *Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// stored canonicalizes the amount on write so values round-trip the
// same way they would through a NUMERIC column.
func stored(t *Transaction) *Transaction {
	c := copyTransaction(t)
	c.Amount = money.Canonical(c.Amount)
	return c
}

func (s *MemoryStore) Put(ctx context.Context, t *Transaction, opts ...storage.PutOption) error {
	if err := t.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IfNotExists {
		if _, ok := s.txs[t.ID]; ok {
			return storage.Conflict("transaction", t.ID)
		}
	}
	s.txs[t.ID] = stored(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, storage.NotFound("transaction", id)
	}
	return copyTransaction(t), nil
}

// sortDesc orders newest-first, ties broken by ID so pagination is stable.
func sortDesc(items []*Transaction) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].ID > items[j].ID
	})
}

func sortAsc(items []*Transaction) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
}

// page assumes matches holds copies already detached from the store;
// the query methods copy under the read lock so Annotate cannot mutate
// an entry while a caller is still reading it.
func (s *MemoryStore) page(matches []*Transaction, limit int, cursor string, desc bool) (*storage.Page[*Transaction], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("transaction", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	if desc {
		sortDesc(matches)
	} else {
		sortAsc(matches)
	}

	// Skip to just past the cursor position.
	if cur != nil {
		start := 0
		for start < len(matches) {
			t := matches[start]
			var passed bool
			if desc {
				passed = t.Timestamp.Before(cur.At) || (t.Timestamp.Equal(cur.At) && t.ID < cur.ID)
			} else {
				passed = t.Timestamp.After(cur.At) || (t.Timestamp.Equal(cur.At) && t.ID > cur.ID)
			}
			if passed {
				break
			}
			start++
		}
		matches = matches[start:]
	}

	if len(matches) > limit+1 {
		matches = matches[:limit+1]
	}
	items, next, more := pagination.Trim(matches, limit, func(t *Transaction) (time.Time, string) {
		return t.Timestamp, t.ID
	})
	return &storage.Page[*Transaction]{Items: items, Cursor: next, HasMore: more}, nil
}

func (s *MemoryStore) QueryByUser(ctx context.Context, userID string, from, to time.Time, limit int, cursor string) (*storage.Page[*Transaction], error) {
	s.mu.RLock()
	var matches []*Transaction
	for _, t := range s.txs {
		if t.UserID != userID {
			continue
		}
		if !from.IsZero() && t.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && t.Timestamp.After(to) {
			continue
		}
		matches = append(matches, copyTransaction(t))
	}
	s.mu.RUnlock()
	return s.page(matches, limit, cursor, true)
}

func (s *MemoryStore) QueryByMerchant(ctx context.Context, merchant string, limit int, cursor string) (*storage.Page[*Transaction], error) {
	s.mu.RLock()
	var matches []*Transaction
	for _, t := range s.txs {
		if t.Merchant == merchant {
			matches = append(matches, copyTransaction(t))
		}
	}
	s.mu.RUnlock()
	return s.page(matches, limit, cursor, true)
}

func (s *MemoryStore) QueryOlderThan(ctx context.Context, cutoff time.Time, limit int, cursor string) (*storage.Page[*Transaction], error) {
	s.mu.RLock()
	var matches []*Transaction
	for _, t := range s.txs {
		if t.Timestamp.Before(cutoff) {
			matches = append(matches, copyTransaction(t))
		}
	}
	s.mu.RUnlock()
	return s.page(matches, limit, cursor, false)
}

func (s *MemoryStore) Annotate(ctx context.Context, id string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return storage.NotFound("transaction", id)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, id)
	return nil
}

func (s *MemoryStore) PutBatch(ctx context.Context, txs []*Transaction) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range txs {
		s.txs[t.ID] = stored(t)
	}
	return nil, nil
}

func (s *MemoryStore) DeleteBatch(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.txs, id)
	}
	return nil, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, t := range s.txs {
		b, _ := json.Marshal(t)
		bytes += int64(len(b))
	}
	return &storage.EntityStats{Entity: "transaction", Count: int64(len(s.txs)), EstimatedBytes: bytes}, nil
}

// MemoryDecisionStore is an in-memory DecisionStore for demo/test use.
type MemoryDecisionStore struct {
	mu        sync.RWMutex
	decisions map[string]*DecisionContext
}

// NewMemoryDecisionStore creates an in-memory decision store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{decisions: make(map[string]*DecisionContext)}
}

func copyDecision(d *DecisionContext) *DecisionContext {
	c := *d
	c.Reasoning = append([]string(nil), d.Reasoning...)
	c.Evidence = append([]string(nil), d.Evidence...)
	c.ToolsUsed = append([]string(nil), d.ToolsUsed...)
	return &c
}

func (s *MemoryDecisionStore) Put(ctx context.Context, d *DecisionContext, opts ...storage.PutOption) error {
	if err := d.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IfNotExists {
		if _, ok := s.decisions[d.TransactionID]; ok {
			return storage.Conflict("decision", d.TransactionID)
		}
	}
	s.decisions[d.TransactionID] = copyDecision(d)
	return nil
}

func (s *MemoryDecisionStore) Get(ctx context.Context, transactionID string) (*DecisionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[transactionID]
	if !ok {
		return nil, storage.NotFound("decision", transactionID)
	}
	return copyDecision(d), nil
}

func (s *MemoryDecisionStore) GetBatch(ctx context.Context, transactionIDs []string) (map[string]*DecisionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*DecisionContext)
	for _, id := range transactionIDs {
		if d, ok := s.decisions[id]; ok {
			out[id] = copyDecision(d)
		}
	}
	return out, nil
}

func (s *MemoryDecisionStore) Delete(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decisions, transactionID)
	return nil
}

func (s *MemoryDecisionStore) DeleteBatch(ctx context.Context, transactionIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range transactionIDs {
		delete(s.decisions, id)
	}
	return nil, nil
}

func (s *MemoryDecisionStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, d := range s.decisions {
		b, _ := json.Marshal(d)
		bytes += int64(len(b))
	}
	return &storage.EntityStats{Entity: "decision", Count: int64(len(s.decisions)), EstimatedBytes: bytes}, nil
}
