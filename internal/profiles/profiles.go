// Package profiles maintains per-user aggregate views: the behavioral
// profile built up incrementally from observed transactions, and the
// current risk assessment.
//
// Both are singletons per user, created lazily on first reference and
// mutated in place. Behavior updates are merges, never overwrites, and
// the merge arithmetic runs at the store boundary so concurrent writers
// for the same user cannot lose updates. Retention never touches these;
// deletion is an explicit administrative action.
package profiles

import (
	"context"
	"math/big"
	"time"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/storage"
)

// SpendingRange summarizes a user's typical transaction amounts.
// All values are fixed-point decimal strings.
type SpendingRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
}

// UserBehaviorProfile is the aggregate behavioral view of one user.
type UserBehaviorProfile struct {
	UserID              string           `json:"userId"`
	Spending            SpendingRange    `json:"spending"`
	TotalSpent          string           `json:"totalSpent"`
	FrequentMerchants   []string         `json:"frequentMerchants,omitempty"`
	CommonLocations     []string         `json:"commonLocations,omitempty"`
	PreferredCategories []string         `json:"preferredCategories,omitempty"`
	CategoryFrequency   map[string]int64 `json:"categoryFrequency,omitempty"`
	RiskScore           float64          `json:"riskScore"` // [0,1]
	TransactionCount    int64            `json:"transactionCount"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// RecomputeAvg derives Spending.Avg from TotalSpent / TransactionCount.
func (p *UserBehaviorProfile) RecomputeAvg() {
	if p.TransactionCount <= 0 {
		p.Spending.Avg = money.Format(big.NewInt(0))
		return
	}
	total, ok := money.Parse(p.TotalSpent)
	if !ok {
		return
	}
	avg := new(big.Int).Quo(total, big.NewInt(p.TransactionCount))
	p.Spending.Avg = money.Format(avg)
}

// Delta is a field-level merge update. Nil/empty fields leave the
// corresponding profile fields untouched.
type Delta struct {
	// ObserveAmount folds one observed transaction amount into the
	// spending range, total, and transaction count.
	ObserveAmount *string
	// Merchants/Locations/Categories are unioned into their sets.
	Merchants  []string
	Locations  []string
	Categories []string
	// CategoryCounts adds into the frequency histogram per key.
	CategoryCounts map[string]int64
	// RiskScore replaces the aggregate risk score.
	RiskScore *float64
}

// Empty reports whether the delta would change nothing.
func (d *Delta) Empty() bool {
	return d == nil ||
		(d.ObserveAmount == nil && len(d.Merchants) == 0 && len(d.Locations) == 0 &&
			len(d.Categories) == 0 && len(d.CategoryCounts) == 0 && d.RiskScore == nil)
}

// Validate checks delta invariants before any I/O.
func (d *Delta) Validate(userID string) error {
	if userID == "" {
		return storage.Validation("behavior_profile", "", "user id is required")
	}
	if d == nil {
		return nil
	}
	if d.ObserveAmount != nil && !money.Valid(*d.ObserveAmount) {
		return storage.Validation("behavior_profile", userID, "observed amount %q is not a non-negative decimal", *d.ObserveAmount)
	}
	if d.RiskScore != nil && (*d.RiskScore < 0 || *d.RiskScore > 1) {
		return storage.Validation("behavior_profile", userID, "risk score %v outside [0,1]", *d.RiskScore)
	}
	return nil
}

// RiskTier buckets a user's current risk level.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierElevated RiskTier = "elevated"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case TierLow, TierElevated, TierHigh, TierCritical:
		return true
	}
	return false
}

// RiskProfile is a user's current risk assessment. A new assessment
// supersedes the previous one atomically; stale writers (older
// AssessedAt) lose.
type RiskProfile struct {
	UserID     string             `json:"userId"`
	Tier       RiskTier           `json:"tier"`
	Factors    map[string]float64 `json:"factors,omitempty"`
	AssessedAt time.Time          `json:"assessedAt"`
}

// Validate checks structural invariants before any I/O.
func (p *RiskProfile) Validate() error {
	if p == nil {
		return storage.Validation("risk_profile", "", "risk profile is nil")
	}
	if p.UserID == "" {
		return storage.Validation("risk_profile", "", "user id is required")
	}
	if !p.Tier.Valid() {
		return storage.Validation("risk_profile", p.UserID, "unknown tier %q", p.Tier)
	}
	if p.AssessedAt.IsZero() {
		return storage.Validation("risk_profile", p.UserID, "assessed-at timestamp is required")
	}
	return nil
}

// NewBehaviorProfile returns the empty profile a first reference creates.
func NewBehaviorProfile(userID string) *UserBehaviorProfile {
	zero := money.Format(big.NewInt(0))
	return &UserBehaviorProfile{
		UserID:            userID,
		Spending:          SpendingRange{Min: zero, Max: zero, Avg: zero},
		TotalSpent:        zero,
		CategoryFrequency: map[string]int64{},
		UpdatedAt:         time.Now().UTC(),
	}
}

// Store persists both per-user aggregates. ApplyDelta and PutRisk are
// the only write paths concurrent producers race on; implementations
// must make them atomic (store-native arithmetic or a held lock), never
// an unguarded read-then-write round trip.
type Store interface {
	GetBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error)
	// EnsureBehavior returns the profile, creating the empty singleton
	// on first reference.
	EnsureBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error)
	// ApplyDelta merges d into the profile, creating it if absent.
	ApplyDelta(ctx context.Context, userID string, d *Delta) error
	DeleteBehavior(ctx context.Context, userID string) error

	GetRisk(ctx context.Context, userID string) (*RiskProfile, error)
	// PutRisk replaces the assessment; older AssessedAt values lose.
	PutRisk(ctx context.Context, p *RiskProfile) error
	DeleteRisk(ctx context.Context, userID string) error

	BehaviorStats(ctx context.Context) (*storage.EntityStats, error)
	RiskStats(ctx context.Context) (*storage.EntityStats, error)
}
