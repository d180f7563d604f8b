package storage

// Index declares one secondary lookup path over an entity. Provisioning
// is a setup-time concern: the goose migrations create these, and the
// repositories' queries assume they exist. Keeping the plan declarative
// here lets migrations and query code agree on a single source.
type Index struct {
	Name     string
	Entity   string
	HashKey  string
	RangeKey string // empty for equality-only indexes
}

// IndexPlan is the full set of secondary indexes the subsystem queries.
//
//	transactions by (user_id, timestamp)  → user history, similarity candidates
//	transactions by (merchant, timestamp) → cross-user candidate pull
//	transactions by (timestamp)           → retention range scan
//	fraud patterns by (pattern_type)      → matcher pattern lookup
var IndexPlan = []Index{
	{Name: "idx_transactions_user_time", Entity: "transaction", HashKey: "user_id", RangeKey: "occurred_at"},
	{Name: "idx_transactions_merchant", Entity: "transaction", HashKey: "merchant", RangeKey: "occurred_at"},
	{Name: "idx_transactions_time", Entity: "transaction", HashKey: "occurred_at"},
	{Name: "idx_fraud_patterns_type", Entity: "fraud_pattern", HashKey: "pattern_type"},
}
