// Package transactions stores the agent's transaction history and the
// decision trail behind it.
//
// A Transaction is written once when the agent observes it and is
// immutable afterwards except for metadata annotation. Each transaction
// carries at most one DecisionContext recording what the agent decided
// and why. Both are purged together by retention, never updated in
// place.
package transactions

import (
	"context"
	"time"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/storage"
)

// Decision is the agent's verdict on a transaction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionReview  Decision = "review"
)

// Valid reports whether d is one of the known verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionDeny, DecisionReview:
		return true
	}
	return false
}

// Location is where a transaction originated. Lat/Lon of (0,0) means
// coordinates are unknown; City/Country may still be set.
type Location struct {
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
}

// HasCoordinates reports whether Lat/Lon carry a real position.
func (l Location) HasCoordinates() bool {
	return l.Lat != 0 || l.Lon != 0
}

// Transaction is a single observed transaction.
type Transaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	Amount            string            `json:"amount"` // fixed-point decimal string
	Currency          string            `json:"currency"`
	Merchant          string            `json:"merchant,omitempty"`
	Category          string            `json:"category,omitempty"`
	Location          Location          `json:"location,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	CardType          string            `json:"cardType,omitempty"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	IPAddress         string            `json:"ipAddress,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate checks structural invariants before any I/O.
func (t *Transaction) Validate() error {
	if t == nil {
		return storage.Validation("transaction", "", "transaction is nil")
	}
	if t.ID == "" {
		return storage.Validation("transaction", "", "id is required")
	}
	if t.UserID == "" {
		return storage.Validation("transaction", t.ID, "user id is required")
	}
	if t.Amount == "" {
		return storage.Validation("transaction", t.ID, "amount is required")
	}
	if !money.Valid(t.Amount) {
		return storage.Validation("transaction", t.ID, "amount %q is not a non-negative decimal", t.Amount)
	}
	if t.Currency == "" {
		return storage.Validation("transaction", t.ID, "currency is required")
	}
	if t.Timestamp.IsZero() {
		return storage.Validation("transaction", t.ID, "timestamp is required")
	}
	return nil
}

// DecisionContext is the reasoning trail behind one transaction's
// verdict. Exactly one exists per transaction.
type DecisionContext struct {
	TransactionID string        `json:"transactionId"`
	Decision      Decision      `json:"decision"`
	Confidence    float64       `json:"confidence"` // [0,1]
	Reasoning     []string      `json:"reasoning,omitempty"`
	Evidence      []string      `json:"evidence,omitempty"` // pattern/transaction IDs
	Timestamp     time.Time     `json:"timestamp"`
	Latency       time.Duration `json:"latency,omitempty"`
	AgentVersion  string        `json:"agentVersion,omitempty"`
	ToolsUsed     []string      `json:"toolsUsed,omitempty"`
}

// Validate checks structural invariants before any I/O.
func (d *DecisionContext) Validate() error {
	if d == nil {
		return storage.Validation("decision", "", "decision context is nil")
	}
	if d.TransactionID == "" {
		return storage.Validation("decision", "", "transaction id is required")
	}
	if !d.Decision.Valid() {
		return storage.Validation("decision", d.TransactionID, "unknown decision %q", d.Decision)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return storage.Validation("decision", d.TransactionID, "confidence %v outside [0,1]", d.Confidence)
	}
	if d.Timestamp.IsZero() {
		return storage.Validation("decision", d.TransactionID, "timestamp is required")
	}
	return nil
}

// Store persists transactions. Put is an upsert unless a conditional
// option says otherwise. Range queries page newest-first except
// QueryOlderThan, which pages oldest-first for retention sweeps.
type Store interface {
	Put(ctx context.Context, t *Transaction, opts ...storage.PutOption) error
	Get(ctx context.Context, id string) (*Transaction, error)
	QueryByUser(ctx context.Context, userID string, from, to time.Time, limit int, cursor string) (*storage.Page[*Transaction], error)
	QueryByMerchant(ctx context.Context, merchant string, limit int, cursor string) (*storage.Page[*Transaction], error)
	QueryOlderThan(ctx context.Context, cutoff time.Time, limit int, cursor string) (*storage.Page[*Transaction], error)
	// Annotate merges metadata keys into an existing transaction. The
	// only mutation allowed after creation.
	Annotate(ctx context.Context, id string, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	// PutBatch writes items together; items the store rejects come back
	// as unprocessed for the coordinator to retry. err is non-nil only
	// for failures not attributable to individual items.
	PutBatch(ctx context.Context, txs []*Transaction) (unprocessed []*Transaction, err error)
	DeleteBatch(ctx context.Context, ids []string) (unprocessed []string, err error)
	Stats(ctx context.Context) (*storage.EntityStats, error)
}

// DecisionStore persists decision contexts keyed by transaction ID.
type DecisionStore interface {
	Put(ctx context.Context, d *DecisionContext, opts ...storage.PutOption) error
	Get(ctx context.Context, transactionID string) (*DecisionContext, error)
	// GetBatch returns the decisions that exist for the given IDs;
	// missing IDs are simply absent from the result.
	GetBatch(ctx context.Context, transactionIDs []string) (map[string]*DecisionContext, error)
	Delete(ctx context.Context, transactionID string) error
	DeleteBatch(ctx context.Context, transactionIDs []string) (unprocessed []string, err error)
	Stats(ctx context.Context) (*storage.EntityStats, error)
}
