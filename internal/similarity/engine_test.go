package similarity

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/profiles"
	"github.com/recallhq/recall/internal/transactions"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// Tuesday afternoon; the reference time for most scenarios.
var refTime = time.Date(2026, 5, 12, 14, 30, 0, 0, time.UTC)

func tx(id, userID, amount string, ts time.Time) *transactions.Transaction {
	return &transactions.Transaction{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Currency:  "USD",
		Merchant:  "Amazon",
		Category:  "retail",
		Location:  transactions.Location{City: "Seattle", Country: "US"},
		Timestamp: ts,
	}
}

func setup(t *testing.T) (*Engine, *transactions.MemoryStore, *transactions.MemoryDecisionStore, *profiles.MemoryStore) {
	t.Helper()
	txs := transactions.NewMemoryStore()
	decs := transactions.NewMemoryDecisionStore()
	prof := profiles.NewMemoryStore()
	return NewEngine(txs, decs, prof, quiet), txs, decs, prof
}

func TestFindSimilar_IdenticalScoresOne(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	stored := tx("txn_past", "u1", "150.00", refTime.Add(-24*time.Hour))
	if err := txs.Put(ctx, stored); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Same amount, merchant, location; 24h apart keeps time-of-day and
	// weekday agreement, so all four factors hit 1.0.
	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches: %d", len(matches))
	}
	if matches[0].Score != 1.0 {
		t.Errorf("score: %v", matches[0].Score)
	}
	if matches[0].Transaction.ID != "txn_past" {
		t.Errorf("matched %q", matches[0].Transaction.ID)
	}
}

func TestFindSimilar_ThresholdFilters(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	near := tx("txn_near", "u1", "150.00", refTime.Add(-24*time.Hour))
	far := tx("txn_far", "u1", "9000.00", refTime.Add(-80*24*time.Hour))
	far.Merchant = "UnknownShop"
	far.Category = "other"
	far.Location = transactions.Location{City: "Lagos", Country: "NG"}
	for _, x := range []*transactions.Transaction{near, far} {
		if err := txs.Put(ctx, x); err != nil {
			t.Fatalf("put %s: %v", x.ID, err)
		}
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for _, m := range matches {
		if m.Transaction.ID == "txn_far" {
			t.Errorf("dissimilar transaction passed threshold with score %v", m.Score)
		}
		if m.Score < DefaultThreshold {
			t.Errorf("score %v below threshold", m.Score)
		}
	}
}

func TestFindSimilar_OrderAndLimit(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	// Varying amounts degrade the amount factor progressively.
	amounts := []string{"150.00", "140.00", "130.00", "120.00", "110.00"}
	for i, amt := range amounts {
		x := tx("txn_"+amt, "u1", amt, refTime.Add(-time.Duration(i+1)*24*time.Hour))
		if err := txs.Put(ctx, x); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref, Threshold: 0.1, Limit: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("limit not applied: %d", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("scores not non-increasing: %v then %v", matches[i-1].Score, matches[i].Score)
		}
	}
	if matches[0].Transaction.ID != "txn_150.00" {
		t.Errorf("best match: %q", matches[0].Transaction.ID)
	}
}

func TestFindSimilar_EqualScoresOrderByRecency(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	older := tx("txn_older", "u1", "150.00", refTime.Add(-14*24*time.Hour))
	newer := tx("txn_newer", "u1", "150.00", refTime.Add(-7*24*time.Hour))
	for _, x := range []*transactions.Transaction{older, newer} {
		if err := txs.Put(ctx, x); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches: %d", len(matches))
	}
	if matches[0].Transaction.ID != "txn_newer" {
		t.Errorf("recency tie-break: got %q first", matches[0].Transaction.ID)
	}
}

func TestFindSimilar_LookbackExcludesOld(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	ancient := tx("txn_ancient", "u1", "150.00", refTime.Add(-120*24*time.Hour))
	if err := txs.Put(ctx, ancient); err != nil {
		t.Fatalf("put: %v", err)
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("transaction outside lookback matched: %v", matches[0].Transaction.ID)
	}
}

func TestFindSimilar_AttachesPriorDecisions(t *testing.T) {
	engine, txs, decs, _ := setup(t)
	ctx := context.Background()

	past := tx("txn_past", "u1", "150.00", refTime.Add(-24*time.Hour))
	if err := txs.Put(ctx, past); err != nil {
		t.Fatalf("put: %v", err)
	}
	dec := &transactions.DecisionContext{
		TransactionID: "txn_past",
		Decision:      transactions.DecisionApprove,
		Confidence:    0.9,
		Timestamp:     past.Timestamp,
	}
	if err := decs.Put(ctx, dec); err != nil {
		t.Fatalf("put decision: %v", err)
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)
	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 || matches[0].PriorDecision == nil {
		t.Fatalf("prior decision missing: %+v", matches)
	}
	if matches[0].PriorDecision.Decision != transactions.DecisionApprove {
		t.Errorf("decision: %v", matches[0].PriorDecision.Decision)
	}
}

func TestFindSimilar_CrossUser(t *testing.T) {
	engine, txs, _, _ := setup(t)
	ctx := context.Background()

	other := tx("txn_other", "u2", "150.00", refTime.Add(-24*time.Hour))
	if err := txs.Put(ctx, other); err != nil {
		t.Fatalf("put: %v", err)
	}

	ref := tx("txn_ref", "u1", "150.00", refTime)

	matches, err := engine.FindSimilar(ctx, Query{Reference: ref})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 0 {
		t.Fatal("other user's transaction matched without CrossUser")
	}

	matches, err = engine.FindSimilar(ctx, Query{Reference: ref, CrossUser: true})
	if err != nil {
		t.Fatalf("cross-user find: %v", err)
	}
	if len(matches) != 1 || matches[0].Transaction.UserID != "u2" {
		t.Fatalf("cross-user matches: %+v", matches)
	}
}

func TestMerchantFactor(t *testing.T) {
	a := tx("a", "u1", "1.00", refTime)
	b := tx("b", "u1", "1.00", refTime)

	if got := merchantFactor(a, b); got != 1.0 {
		t.Errorf("same merchant: %v", got)
	}
	b.Merchant = "Walmart"
	if got := merchantFactor(a, b); got != 0.6 {
		t.Errorf("same category: %v", got)
	}
	b.Category = "grocery"
	if got := merchantFactor(a, b); got != 0.0 {
		t.Errorf("no overlap: %v", got)
	}
}

func TestLocationFactor_DistanceBuckets(t *testing.T) {
	seattle := transactions.Location{Lat: 47.6062, Lon: -122.3321}
	cases := []struct {
		name string
		b    transactions.Location
		want float64
	}{
		{"same point", seattle, 1.0},
		{"across town", transactions.Location{Lat: 47.62, Lon: -122.35}, 0.8},
		{"nearby suburb", transactions.Location{Lat: 47.8, Lon: -122.2}, 0.6},
		{"next city over", transactions.Location{Lat: 47.0, Lon: -120.5}, 0.3},
		{"other coast", transactions.Location{Lat: 40.7128, Lon: -74.0060}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := locationFactor(seattle, tc.b); got != tc.want {
				t.Errorf("got %v want %v (%.1f km)", got, tc.want,
					haversineKm(seattle.Lat, seattle.Lon, tc.b.Lat, tc.b.Lon))
			}
		})
	}
}

func TestLocationFactor_NameFallback(t *testing.T) {
	a := transactions.Location{City: "Seattle", Country: "US"}

	if got := locationFactor(a, transactions.Location{City: "Seattle", Country: "US"}); got != 0.8 {
		t.Errorf("same city: %v", got)
	}
	if got := locationFactor(a, transactions.Location{City: "Portland", Country: "US"}); got != 0.4 {
		t.Errorf("same country: %v", got)
	}
	if got := locationFactor(a, transactions.Location{City: "Lagos", Country: "NG"}); got != 0.0 {
		t.Errorf("different country: %v", got)
	}
}

func TestTimeFactor(t *testing.T) {
	tue14 := time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC)

	if got := timeFactor(tue14, tue14); got != 1.0 {
		t.Errorf("identical times: %v", got)
	}
	// Opposite side of the clock, same weekday class: only the day term
	// survives.
	tue02 := time.Date(2026, 5, 12, 2, 0, 0, 0, time.UTC)
	if got := timeFactor(tue14, tue02); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("12h apart: %v", got)
	}
	// Same hour on a weekend day loses only the day term.
	sat14 := time.Date(2026, 5, 16, 14, 0, 0, 0, time.UTC)
	if got := timeFactor(tue14, sat14); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("weekday vs weekend: %v", got)
	}
	// The clock is circular: 23:00 and 01:00 are two hours apart.
	mon23 := time.Date(2026, 5, 11, 23, 0, 0, 0, time.UTC)
	tue01 := time.Date(2026, 5, 12, 1, 0, 0, 0, time.UTC)
	want := 0.7*(1.0-2.0/12) + 0.3
	if got := timeFactor(mon23, tue01); math.Abs(got-want) > 1e-9 {
		t.Errorf("circular distance: got %v want %v", got, want)
	}
}

func TestAmountFactor_ProfileScale(t *testing.T) {
	a := tx("a", "u1", "100.00", refTime)
	b := tx("b", "u1", "150.00", refTime)

	// With a 200-wide observed spread a 50 difference costs 0.25.
	if got := amountFactor(a, b, 200); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("scaled: %v", got)
	}
	// Without a profile the larger amount normalizes.
	if got := amountFactor(a, b, 0); math.Abs(got-(1.0-50.0/150.0)) > 1e-9 {
		t.Errorf("fallback: %v", got)
	}
	if got := amountFactor(a, a, 0); got != 1.0 {
		t.Errorf("equal amounts: %v", got)
	}
}

func TestSpendingScale(t *testing.T) {
	p := &profiles.UserBehaviorProfile{}
	p.Spending.Min = "50.0000"
	p.Spending.Max = "250.0000"
	if got := spendingScale(p); math.Abs(got-200) > 1e-9 {
		t.Errorf("spread: %v", got)
	}

	single := &profiles.UserBehaviorProfile{}
	single.Spending.Min = "80.0000"
	single.Spending.Max = "80.0000"
	single.Spending.Avg = "80.0000"
	if got := spendingScale(single); math.Abs(got-80) > 1e-9 {
		t.Errorf("no spread falls back to avg: %v", got)
	}
}

func TestFindSimilar_InvalidReference(t *testing.T) {
	engine, _, _, _ := setup(t)
	ref := tx("txn_ref", "u1", "150.00", refTime)
	ref.Amount = "not-money"
	if _, err := engine.FindSimilar(context.Background(), Query{Reference: ref}); err == nil {
		t.Fatal("invalid reference accepted")
	}
}
