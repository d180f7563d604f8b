package profiles

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/storage"
)

func strp(s string) *string     { return &s }
func floatp(f float64) *float64 { return &f }

func TestEnsureBehavior_CreatesEmpty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p, err := store.EnsureBehavior(ctx, "u1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if p.UserID != "u1" || p.TransactionCount != 0 || p.TotalSpent != "0.0000" {
		t.Errorf("unexpected new profile: %+v", p)
	}

	// A second call returns the same profile, not a reset one.
	_ = store.ApplyDelta(ctx, "u1", &Delta{ObserveAmount: strp("10.00")})
	again, err := store.EnsureBehavior(ctx, "u1")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if again.TransactionCount != 1 {
		t.Error("ensure reset an existing profile")
	}
}

func TestApplyDelta_SpendingRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, amt := range []string{"50.00", "10.00", "90.00"} {
		if err := store.ApplyDelta(ctx, "u1", &Delta{ObserveAmount: strp(amt)}); err != nil {
			t.Fatalf("delta %s: %v", amt, err)
		}
	}

	p, err := store.GetBehavior(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Spending.Min != "10.0000" {
		t.Errorf("min: %q", p.Spending.Min)
	}
	if p.Spending.Max != "90.0000" {
		t.Errorf("max: %q", p.Spending.Max)
	}
	if p.Spending.Avg != "50.0000" {
		t.Errorf("avg: %q", p.Spending.Avg)
	}
	if p.TotalSpent != "150.0000" || p.TransactionCount != 3 {
		t.Errorf("totals: %q / %d", p.TotalSpent, p.TransactionCount)
	}
}

func TestApplyDelta_FieldIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.ApplyDelta(ctx, "u1", &Delta{
		ObserveAmount:  strp("25.00"),
		Merchants:      []string{"Amazon"},
		Locations:      []string{"Seattle, US"},
		Categories:     []string{"retail"},
		CategoryCounts: map[string]int64{"retail": 1},
	})

	// A merchant-only delta must not disturb the spending fields.
	if err := store.ApplyDelta(ctx, "u1", &Delta{Merchants: []string{"Walmart"}}); err != nil {
		t.Fatalf("merchant delta: %v", err)
	}

	p, _ := store.GetBehavior(ctx, "u1")
	if p.TransactionCount != 1 || p.TotalSpent != "25.0000" {
		t.Errorf("merchant delta touched spending: %+v", p)
	}
	if len(p.FrequentMerchants) != 2 {
		t.Errorf("merchants: %v", p.FrequentMerchants)
	}

	// Re-adding an existing merchant is a set union, not an append.
	_ = store.ApplyDelta(ctx, "u1", &Delta{Merchants: []string{"Amazon"}})
	p, _ = store.GetBehavior(ctx, "u1")
	if len(p.FrequentMerchants) != 2 {
		t.Errorf("union violated: %v", p.FrequentMerchants)
	}
}

func TestApplyDelta_CategoryHistogram(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.ApplyDelta(ctx, "u1", &Delta{CategoryCounts: map[string]int64{"retail": 2, "travel": 1}})
	_ = store.ApplyDelta(ctx, "u1", &Delta{CategoryCounts: map[string]int64{"retail": 3}})

	p, _ := store.GetBehavior(ctx, "u1")
	if p.CategoryFrequency["retail"] != 5 || p.CategoryFrequency["travel"] != 1 {
		t.Errorf("histogram: %v", p.CategoryFrequency)
	}
}

func TestApplyDelta_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.ApplyDelta(ctx, "", &Delta{}); !storage.IsValidation(err) {
		t.Errorf("empty user: %v", err)
	}
	if err := store.ApplyDelta(ctx, "u1", &Delta{ObserveAmount: strp("nope")}); !storage.IsValidation(err) {
		t.Errorf("bad amount: %v", err)
	}
	if err := store.ApplyDelta(ctx, "u1", &Delta{RiskScore: floatp(1.5)}); !storage.IsValidation(err) {
		t.Errorf("bad risk score: %v", err)
	}
}

func TestApplyDelta_ConcurrentNoLostUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = store.ApplyDelta(ctx, "u1", &Delta{
					ObserveAmount:  strp("1.00"),
					CategoryCounts: map[string]int64{fmt.Sprintf("cat_%d", w): 1},
				})
			}
		}(w)
	}
	wg.Wait()

	p, _ := store.GetBehavior(ctx, "u1")
	want := int64(writers * perWriter)
	if p.TransactionCount != want {
		t.Errorf("transaction count: got %d want %d", p.TransactionCount, want)
	}
	if p.TotalSpent != fmt.Sprintf("%d.0000", want) {
		t.Errorf("total spent: %q", p.TotalSpent)
	}
	for w := 0; w < writers; w++ {
		if got := p.CategoryFrequency[fmt.Sprintf("cat_%d", w)]; got != perWriter {
			t.Errorf("cat_%d count: %d", w, got)
		}
	}
}

func TestPutRisk_LastWriterWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	newer := &RiskProfile{UserID: "u1", Tier: TierHigh, AssessedAt: base.Add(time.Hour)}
	older := &RiskProfile{UserID: "u1", Tier: TierLow, AssessedAt: base}

	if err := store.PutRisk(ctx, newer); err != nil {
		t.Fatalf("put newer: %v", err)
	}
	// Stale write arrives late: must be a no-op, not an error.
	if err := store.PutRisk(ctx, older); err != nil {
		t.Fatalf("put older: %v", err)
	}

	got, err := store.GetRisk(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tier != TierHigh {
		t.Errorf("stale write overwrote newer assessment: %v", got.Tier)
	}
}

func TestPutRisk_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.PutRisk(ctx, &RiskProfile{UserID: "u1", Tier: "extreme", AssessedAt: time.Now()})
	if !storage.IsValidation(err) {
		t.Errorf("unknown tier: %v", err)
	}
	err = store.PutRisk(ctx, &RiskProfile{UserID: "u1", Tier: TierLow})
	if !storage.IsValidation(err) {
		t.Errorf("zero assessed-at: %v", err)
	}
}

func TestGetBehavior_CopyIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.ApplyDelta(ctx, "u1", &Delta{Merchants: []string{"Amazon"}})

	p, _ := store.GetBehavior(ctx, "u1")
	p.FrequentMerchants[0] = "mutated"
	p.CategoryFrequency["x"] = 99

	fresh, _ := store.GetBehavior(ctx, "u1")
	if fresh.FrequentMerchants[0] != "Amazon" || fresh.CategoryFrequency["x"] != 0 {
		t.Error("store shares memory with caller")
	}
}
