// Package similarity finds past transactions that resemble a new one,
// so prior decisions can inform the current assessment.
package similarity

import (
	"time"

	"github.com/recallhq/recall/internal/transactions"
)

// Defaults for match retrieval. All are overridable via Engine options.
const (
	DefaultThreshold     = 0.7
	DefaultLimit         = 10
	DefaultLookback      = 90 * 24 * time.Hour
	DefaultMaxCandidates = 500
)

// Match pairs a historical transaction with its similarity score and,
// when one was recorded, the decision made at the time.
type Match struct {
	Transaction   *transactions.Transaction     `json:"transaction"`
	Score         float64                       `json:"score"`
	PriorDecision *transactions.DecisionContext `json:"prior_decision,omitempty"`
}

// Query describes a similarity search. Reference is the transaction to
// compare against; it does not need to be stored yet.
type Query struct {
	Reference *transactions.Transaction

	// Threshold overrides the engine threshold when > 0.
	Threshold float64
	// Limit overrides the engine limit when > 0.
	Limit int
	// CrossUser widens the candidate pool to other users seen at the
	// same merchant. Off by default: user history is usually the
	// stronger signal and the cheaper query.
	CrossUser bool
}
