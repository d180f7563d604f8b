package transactions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/storage"
)

func testTx(id, userID string, ts time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		UserID:    userID,
		Amount:    "150.00",
		Currency:  "USD",
		Merchant:  "Amazon",
		Category:  "retail",
		Timestamp: ts,
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	in := testTx("txn_1", "u1", ts)
	in.Location = Location{City: "Seattle", Country: "US", Lat: 47.6, Lon: -122.3}
	in.Metadata = map[string]string{"channel": "web"}

	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Merchant != "Amazon" || got.Location.City != "Seattle" {
		t.Errorf("fields did not round-trip: %+v", got)
	}
	if got.Amount != "150.0000" {
		t.Errorf("amount not canonicalized: %q", got.Amount)
	}
	if got.Metadata["channel"] != "web" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}

	// A second read must see the same value.
	again, err := store.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again.Amount != got.Amount || !again.Timestamp.Equal(got.Timestamp) {
		t.Error("reads disagree")
	}
}

func TestGet_Missing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "txn_missing")
	if !storage.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestPut_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Now()

	cases := []*Transaction{
		nil,
		{UserID: "u1", Amount: "1.00", Currency: "USD", Timestamp: ts},              // no ID
		{ID: "txn_1", Amount: "1.00", Currency: "USD", Timestamp: ts},               // no user
		{ID: "txn_1", UserID: "u1", Amount: "abc", Currency: "USD", Timestamp: ts},  // bad amount
		{ID: "txn_1", UserID: "u1", Amount: "-5.0", Currency: "USD", Timestamp: ts}, // negative
		{ID: "txn_1", UserID: "u1", Amount: "1.00", Timestamp: ts},                  // no currency
		{ID: "txn_1", UserID: "u1", Amount: "1.00", Currency: "USD"},                // no timestamp
	}
	for i, tx := range cases {
		if err := store.Put(ctx, tx); !storage.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestPut_MutationIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := testTx("txn_1", "u1", time.Now())
	in.Metadata = map[string]string{"k": "v"}
	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy must not affect the stored value.
	in.Metadata["k"] = "changed"
	in.Merchant = "changed"

	got, _ := store.Get(ctx, "txn_1")
	if got.Metadata["k"] != "v" || got.Merchant != "Amazon" {
		t.Error("store shares memory with caller")
	}
}

func TestPut_IfNotExists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Now()

	if err := store.Put(ctx, testTx("txn_1", "u1", ts), storage.IfNotExists()); err != nil {
		t.Fatalf("first conditional put: %v", err)
	}
	err := store.Put(ctx, testTx("txn_1", "u1", ts), storage.IfNotExists())
	if !storage.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	// Unconditional put still overwrites.
	if err := store.Put(ctx, testTx("txn_1", "u2", ts)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ := store.Get(ctx, "txn_1")
	if got.UserID != "u2" {
		t.Error("overwrite did not apply")
	}
}

func TestQueryByUser_PagingOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		tx := testTx(fmt.Sprintf("txn_%02d", i), "u1", base.Add(time.Duration(i)*time.Hour))
		if err := store.Put(ctx, tx); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	// Different user, should never appear.
	_ = store.Put(ctx, testTx("txn_other", "u2", base))

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := store.QueryByUser(ctx, "u1", time.Time{}, time.Time{}, 3, cursor)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Items) > 3 {
			t.Fatalf("page over limit: %d", len(page.Items))
		}
		for _, tx := range page.Items {
			seen = append(seen, tx.ID)
		}
		pages++
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	if len(seen) != 7 {
		t.Fatalf("expected 7 items across pages, got %d (%v)", len(seen), seen)
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
	// Newest first, no duplicates.
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Errorf("order violated at %d: %v", i, seen)
		}
	}
}

func TestQueryByUser_TimeRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_ = store.Put(ctx, testTx(fmt.Sprintf("txn_%d", i), "u1", base.AddDate(0, 0, i)))
	}

	page, err := store.QueryByUser(ctx, "u1", base.AddDate(0, 0, 1), base.AddDate(0, 0, 3), 10, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 3 {
		t.Errorf("expected 3 in range, got %d", len(page.Items))
	}
}

func TestQueryByUser_Empty(t *testing.T) {
	store := NewMemoryStore()
	page, err := store.QueryByUser(context.Background(), "nobody", time.Time{}, time.Time{}, 10, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 0 || page.HasMore {
		t.Errorf("expected empty page, got %+v", page)
	}
}

func TestQueryByUser_BadCursor(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.QueryByUser(context.Background(), "u1", time.Time{}, time.Time{}, 10, "garbage!!!")
	if !storage.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestQueryByMerchant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	_ = store.Put(ctx, testTx("txn_1", "u1", base))
	_ = store.Put(ctx, testTx("txn_2", "u2", base.Add(time.Minute)))
	other := testTx("txn_3", "u3", base)
	other.Merchant = "Walmart"
	_ = store.Put(ctx, other)

	page, err := store.QueryByMerchant(ctx, "Amazon", 10, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("expected 2 Amazon transactions, got %d", len(page.Items))
	}
}

func TestQueryOlderThan_OldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_ = store.Put(ctx, testTx(fmt.Sprintf("txn_%d", i), "u1", base.AddDate(0, 0, i)))
	}

	page, err := store.QueryOlderThan(ctx, base.AddDate(0, 0, 2), 10, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 expired, got %d", len(page.Items))
	}
	if page.Items[0].ID != "txn_0" || page.Items[1].ID != "txn_1" {
		t.Errorf("expected oldest-first order, got %v, %v", page.Items[0].ID, page.Items[1].ID)
	}
}

func TestAnnotate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := testTx("txn_1", "u1", time.Now())
	tx.Metadata = map[string]string{"a": "1"}
	_ = store.Put(ctx, tx)

	if err := store.Annotate(ctx, "txn_1", map[string]string{"b": "2", "a": "9"}); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	got, _ := store.Get(ctx, "txn_1")
	if got.Metadata["a"] != "9" || got.Metadata["b"] != "2" {
		t.Errorf("metadata merge wrong: %v", got.Metadata)
	}

	if err := store.Annotate(ctx, "txn_missing", map[string]string{"x": "y"}); !storage.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// Annotate mutates stored metadata under the write lock while query
// results are being read; run both concurrently so the race detector
// would catch any shared access.
func TestAnnotate_ConcurrentWithQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 20; i++ {
		tx := testTx(fmt.Sprintf("txn_%02d", i), "u1", base.Add(time.Duration(i)*time.Minute))
		tx.Metadata = map[string]string{"seq": "0"}
		if err := store.Put(ctx, tx); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("txn_%02d", (w*50+i)%20)
				if err := store.Annotate(ctx, id, map[string]string{"seq": fmt.Sprint(i)}); err != nil {
					t.Errorf("annotate %s: %v", id, err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				page, err := store.QueryByUser(ctx, "u1", time.Time{}, time.Time{}, 10, "")
				if err != nil {
					t.Errorf("query: %v", err)
					return
				}
				for _, tx := range page.Items {
					if tx.Metadata["seq"] == "" {
						t.Errorf("metadata missing on %s", tx.ID)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestDelete_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, testTx("txn_1", "u1", time.Now()))

	if err := store.Delete(ctx, "txn_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "txn_1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, "txn_1"); !storage.IsNotFound(err) {
		t.Error("transaction still present after delete")
	}
}

func TestStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, testTx("txn_1", "u1", time.Now()))
	_ = store.Put(ctx, testTx("txn_2", "u1", time.Now()))

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 || stats.EstimatedBytes <= 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func testDecision(txID string) *DecisionContext {
	return &DecisionContext{
		TransactionID: txID,
		Decision:      DecisionApprove,
		Confidence:    0.92,
		Reasoning:     []string{"amount within profile range"},
		Timestamp:     time.Now(),
	}
}

func TestDecision_RoundTripAndConflict(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	if err := store.Put(ctx, testDecision("txn_1"), storage.IfNotExists()); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != DecisionApprove || got.Confidence != 0.92 {
		t.Errorf("decision did not round-trip: %+v", got)
	}

	err = store.Put(ctx, testDecision("txn_1"), storage.IfNotExists())
	if !storage.IsConflict(err) {
		t.Errorf("expected conflict on second decision, got %v", err)
	}
}

func TestDecision_Validation(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	bad := testDecision("txn_1")
	bad.Decision = "maybe"
	if err := store.Put(ctx, bad); !storage.IsValidation(err) {
		t.Errorf("expected validation for unknown decision, got %v", err)
	}

	bad = testDecision("txn_1")
	bad.Confidence = 1.5
	if err := store.Put(ctx, bad); !storage.IsValidation(err) {
		t.Errorf("expected validation for confidence > 1, got %v", err)
	}
}

func TestDecision_GetBatch(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	_ = store.Put(ctx, testDecision("txn_1"))
	_ = store.Put(ctx, testDecision("txn_3"))

	found, err := store.GetBatch(ctx, []string{"txn_1", "txn_2", "txn_3"})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("expected 2 decisions, got %d", len(found))
	}
	if _, ok := found["txn_2"]; ok {
		t.Error("missing ID should be absent, not present")
	}
}
