// Package patterns stores known fraud patterns: the signatures an
// external learning process produces and the matcher consults.
//
// Effectiveness is never stored directly; the store keeps raw match and
// hit counters so precision stays recomputable from observations.
package patterns

import (
	"context"
	"time"

	"github.com/recallhq/recall/internal/storage"
)

// FraudPattern is one learned pattern signature.
type FraudPattern struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`                // e.g. "velocity", "location", "merchant"
	Signature map[string]string `json:"signature,omitempty"` // matching predicate attributes
	// MatchCount is how often the pattern matched; HitCount how often a
	// match turned out to be actual fraud.
	MatchCount int64     `json:"matchCount"`
	HitCount   int64     `json:"hitCount"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Effectiveness is the pattern's observed precision: hits over matches.
// A pattern with no observations scores 0.
func (p *FraudPattern) Effectiveness() float64 {
	if p.MatchCount <= 0 {
		return 0
	}
	return float64(p.HitCount) / float64(p.MatchCount)
}

// Validate checks structural invariants before any I/O.
func (p *FraudPattern) Validate() error {
	if p == nil {
		return storage.Validation("fraud_pattern", "", "pattern is nil")
	}
	if p.ID == "" {
		return storage.Validation("fraud_pattern", "", "id is required")
	}
	if p.Type == "" {
		return storage.Validation("fraud_pattern", p.ID, "type is required")
	}
	if p.MatchCount < 0 || p.HitCount < 0 {
		return storage.Validation("fraud_pattern", p.ID, "counters must be non-negative")
	}
	if p.HitCount > p.MatchCount {
		return storage.Validation("fraud_pattern", p.ID, "hit count %d exceeds match count %d", p.HitCount, p.MatchCount)
	}
	return nil
}

// Store persists fraud patterns with a secondary lookup by type.
type Store interface {
	Put(ctx context.Context, p *FraudPattern, opts ...storage.PutOption) error
	Get(ctx context.Context, id string) (*FraudPattern, error)
	ListByType(ctx context.Context, patternType string, limit int, cursor string) (*storage.Page[*FraudPattern], error)
	// RecordObservation atomically bumps the counters and last-seen.
	RecordObservation(ctx context.Context, id string, hit bool) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*storage.EntityStats, error)
}
