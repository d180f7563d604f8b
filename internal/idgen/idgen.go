// Package idgen provides cryptographically random ID generation for
// stored entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Entity ID prefixes. Keys carry their entity type so a bare ID in a
// log line or evidence list is self-describing.
const (
	TransactionPrefix = "txn_"
	DecisionPrefix    = "dec_"
	PatternPrefix     = "pat_"
)

// WithPrefix generates prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Transaction generates a transaction ID.
func Transaction() string { return WithPrefix(TransactionPrefix) }

// Decision generates a decision context ID.
func Decision() string { return WithPrefix(DecisionPrefix) }

// Pattern generates a fraud pattern ID.
func Pattern() string { return WithPrefix(PatternPrefix) }
