package storage

// Page is one window of a paginated query result. Cursor is opaque to
// callers; pass it back to the same query to continue.
type Page[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"hasMore"`
}

// PutOptions controls write behavior. The zero value is a plain upsert.
type PutOptions struct {
	// IfNotExists turns the put into a conditional create: the write
	// fails with a conflict error if the key is already present.
	IfNotExists bool
}

// PutOption mutates PutOptions.
type PutOption func(*PutOptions)

// IfNotExists makes a put fail with KindConflict when the key exists.
func IfNotExists() PutOption {
	return func(o *PutOptions) { o.IfNotExists = true }
}

// ApplyPutOptions folds opts into a PutOptions value.
func ApplyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// EntityStats is one entity type's slice of the usage report.
type EntityStats struct {
	Entity         string `json:"entity"`
	Count          int64  `json:"count"`
	EstimatedBytes int64  `json:"estimatedBytes"`
}
