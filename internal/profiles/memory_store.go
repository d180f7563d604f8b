package profiles

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/storage"
)

// MemoryStore is an in-memory Store for demo/test use. Merges run with
// the lock held, which gives the same lost-update protection the
// Postgres store gets from single-statement arithmetic.
type MemoryStore struct {
	mu       sync.RWMutex
	behavior map[string]*UserBehaviorProfile
	risk     map[string]*RiskProfile
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		behavior: make(map[string]*UserBehaviorProfile),
		risk:     make(map[string]*RiskProfile),
	}
}

func copyBehavior(p *UserBehaviorProfile) *UserBehaviorProfile {
	c := *p
	c.FrequentMerchants = append([]string(nil), p.FrequentMerchants...)
	c.CommonLocations = append([]string(nil), p.CommonLocations...)
	c.PreferredCategories = append([]string(nil), p.PreferredCategories...)
	c.CategoryFrequency = make(map[string]int64, len(p.CategoryFrequency))
	for k, v := range p.CategoryFrequency {
		c.CategoryFrequency[k] = v
	}
	return &c
}

func copyRisk(p *RiskProfile) *RiskProfile {
	c := *p
	c.Factors = make(map[string]float64, len(p.Factors))
	for k, v := range p.Factors {
		c.Factors[k] = v
	}
	return &c
}

func (s *MemoryStore) GetBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.behavior[userID]
	if !ok {
		return nil, storage.NotFound("behavior_profile", userID)
	}
	return copyBehavior(p), nil
}

func (s *MemoryStore) EnsureBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	if userID == "" {
		return nil, storage.Validation("behavior_profile", "", "user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.behavior[userID]
	if !ok {
		p = NewBehaviorProfile(userID)
		s.behavior[userID] = p
	}
	return copyBehavior(p), nil
}

// union appends the members of add not already in set, preserving order.
func union(set, add []string) []string {
	seen := make(map[string]bool, len(set))
	for _, v := range set {
		seen[v] = true
	}
	for _, v := range add {
		if v != "" && !seen[v] {
			set = append(set, v)
			seen[v] = true
		}
	}
	return set
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, userID string, d *Delta) error {
	if err := d.Validate(userID); err != nil {
		return err
	}
	if d.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.behavior[userID]
	if !ok {
		p = NewBehaviorProfile(userID)
		s.behavior[userID] = p
	}

	if d.ObserveAmount != nil {
		amt, _ := money.Parse(*d.ObserveAmount)
		total, _ := money.Parse(p.TotalSpent)
		total.Add(total, amt)
		p.TotalSpent = money.Format(total)

		if p.TransactionCount == 0 {
			p.Spending.Min = money.Format(amt)
			p.Spending.Max = money.Format(amt)
		} else {
			if min, _ := money.Parse(p.Spending.Min); amt.Cmp(min) < 0 {
				p.Spending.Min = money.Format(amt)
			}
			if max, _ := money.Parse(p.Spending.Max); amt.Cmp(max) > 0 {
				p.Spending.Max = money.Format(amt)
			}
		}
		p.TransactionCount++
		p.RecomputeAvg()
	}

	p.FrequentMerchants = union(p.FrequentMerchants, d.Merchants)
	p.CommonLocations = union(p.CommonLocations, d.Locations)
	p.PreferredCategories = union(p.PreferredCategories, d.Categories)

	if len(d.CategoryCounts) > 0 {
		if p.CategoryFrequency == nil {
			p.CategoryFrequency = map[string]int64{}
		}
		keys := make([]string, 0, len(d.CategoryCounts))
		for k := range d.CategoryCounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.CategoryFrequency[k] += d.CategoryCounts[k]
		}
	}

	if d.RiskScore != nil {
		p.RiskScore = *d.RiskScore
	}

	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteBehavior(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.behavior, userID)
	return nil
}

func (s *MemoryStore) GetRisk(ctx context.Context, userID string) (*RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.risk[userID]
	if !ok {
		return nil, storage.NotFound("risk_profile", userID)
	}
	return copyRisk(p), nil
}

func (s *MemoryStore) PutRisk(ctx context.Context, p *RiskProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Last writer wins by assessment time; a stale writer is a no-op.
	if cur, ok := s.risk[p.UserID]; ok && cur.AssessedAt.After(p.AssessedAt) {
		return nil
	}
	s.risk[p.UserID] = copyRisk(p)
	return nil
}

func (s *MemoryStore) DeleteRisk(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.risk, userID)
	return nil
}

func (s *MemoryStore) BehaviorStats(ctx context.Context) (*storage.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, p := range s.behavior {
		b, _ := json.Marshal(p)
		bytes += int64(len(b))
	}
	return &storage.EntityStats{Entity: "behavior_profile", Count: int64(len(s.behavior)), EstimatedBytes: bytes}, nil
}

func (s *MemoryStore) RiskStats(ctx context.Context) (*storage.EntityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, p := range s.risk {
		b, _ := json.Marshal(p)
		bytes += int64(len(b))
	}
	return &storage.EntityStats{Entity: "risk_profile", Count: int64(len(s.risk)), EstimatedBytes: bytes}, nil
}
