package profiles

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/recallhq/recall/internal/storage"
)

// CachedStore is a read-through cache over a profile Store. Behavior
// profile reads are served from cache within the TTL; every write path
// invalidates, and ApplyDelta/PutRisk always hit the backing store.
// The cache is never the source of truth: Ensure and all risk reads go
// straight through, since risk assessments feed decisions.
type CachedStore struct {
	Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedStore wraps inner with a behavior-profile read cache.
// ttl <= 0 disables caching entirely.
func NewCachedStore(inner Store, ttl time.Duration) (*CachedStore, error) {
	var cache *ristretto.Cache
	if ttl > 0 {
		var err error
		cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000, // ~10x expected live entries
			MaxCost:     32 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
	}
	return &CachedStore{Store: inner, cache: cache, ttl: ttl}, nil
}

func (s *CachedStore) GetBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(userID); ok {
			if p, ok := v.(*UserBehaviorProfile); ok {
				return copyBehavior(p), nil
			}
		}
	}
	p, err := s.Store.GetBehavior(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetWithTTL(userID, copyBehavior(p), 1, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) EnsureBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	p, err := s.Store.EnsureBehavior(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetWithTTL(userID, copyBehavior(p), 1, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ApplyDelta(ctx context.Context, userID string, d *Delta) error {
	err := s.Store.ApplyDelta(ctx, userID, d)
	if s.cache != nil && !storage.IsValidation(err) {
		s.cache.Del(userID)
	}
	return err
}

func (s *CachedStore) DeleteBehavior(ctx context.Context, userID string) error {
	err := s.Store.DeleteBehavior(ctx, userID)
	if s.cache != nil {
		s.cache.Del(userID)
	}
	return err
}
