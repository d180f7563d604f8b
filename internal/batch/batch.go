// Package batch chunks large write and delete sets, runs the chunks
// concurrently, and retries items the store hands back as unprocessed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/retry"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/internal/transactions"
)

const (
	// DefaultChunkSize balances round trips against per-call payload;
	// stores may reject chunks above their own limits.
	DefaultChunkSize   = 25
	DefaultConcurrency = 4
)

// ItemFailure records one item that could not be processed after all
// retries.
type ItemFailure struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// Reason renders the failure cause for transport.
func (f ItemFailure) Reason() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Summary reports the outcome of a batch operation. A batch is never
// all-or-nothing: Succeeded + len(Failures) == Submitted.
type Summary struct {
	Submitted int           `json:"submitted"`
	Succeeded int           `json:"succeeded"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Coordinator fans batch operations out over chunks.
type Coordinator struct {
	chunkSize   int
	concurrency int
	policy      retry.Policy
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator with default chunking, retry,
// and concurrency settings.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		chunkSize:   DefaultChunkSize,
		concurrency: DefaultConcurrency,
		policy:      retry.DefaultPolicy,
		logger:      logger,
	}
}

// WithChunkSize overrides the default chunk size.
func (c *Coordinator) WithChunkSize(n int) *Coordinator {
	if n > 0 {
		c.chunkSize = n
	}
	return c
}

// WithConcurrency overrides how many chunks run at once.
func (c *Coordinator) WithConcurrency(n int) *Coordinator {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// WithRetryPolicy overrides the per-chunk retry policy.
func (c *Coordinator) WithRetryPolicy(p retry.Policy) *Coordinator {
	c.policy = p
	return c
}

// PutTransactions writes txs through the store in chunks. Invalid items
// fail individually without blocking the rest of the batch.
func (c *Coordinator) PutTransactions(ctx context.Context, store transactions.Store, txs []*transactions.Transaction) (*Summary, error) {
	valid, failures := splitInvalid(txs, func(t *transactions.Transaction) (string, error) {
		return t.ID, t.Validate()
	})
	summary, err := execute(ctx, c, valid, func(t *transactions.Transaction) string { return t.ID }, store.PutBatch)
	summary.Submitted = len(txs)
	summary.Failures = append(failures, summary.Failures...)
	summary.Succeeded = summary.Submitted - len(summary.Failures)
	return summary, err
}

// DeleteTransactions removes the given transaction IDs in chunks.
// Deleting an absent ID is a success, not a failure.
func (c *Coordinator) DeleteTransactions(ctx context.Context, store transactions.Store, ids []string) (*Summary, error) {
	return execute(ctx, c, ids, func(id string) string { return id }, store.DeleteBatch)
}

// DeleteDecisions removes decision contexts for the given transaction
// IDs in chunks.
func (c *Coordinator) DeleteDecisions(ctx context.Context, store transactions.DecisionStore, ids []string) (*Summary, error) {
	return execute(ctx, c, ids, func(id string) string { return id }, store.DeleteBatch)
}

// splitInvalid pulls items that fail validation out of the batch so
// the remainder can proceed.
func splitInvalid[T any](items []T, check func(T) (string, error)) ([]T, []ItemFailure) {
	valid := make([]T, 0, len(items))
	var failures []ItemFailure
	for _, item := range items {
		id, err := check(item)
		if err != nil {
			failures = append(failures, ItemFailure{ID: id, Err: err})
			continue
		}
		valid = append(valid, item)
	}
	return valid, failures
}

// execute runs send over chunks of items under the coordinator's
// concurrency limit. Unprocessed items from each call retry with
// backoff; items still unprocessed after the policy is exhausted are
// reported as failures. A non-retryable transport error cancels the
// remaining chunks and surfaces alongside the partial summary.
func execute[T any](ctx context.Context, c *Coordinator, items []T, key func(T) string, send func(context.Context, []T) ([]T, error)) (*Summary, error) {
	summary := &Summary{Submitted: len(items)}
	if len(items) == 0 {
		return summary, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fatalErr error
	)
	sem := make(chan struct{}, c.concurrency)

	for start := 0; start < len(items); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				for _, item := range chunk {
					summary.Failures = append(summary.Failures, ItemFailure{ID: key(item), Err: ctx.Err()})
				}
				mu.Unlock()
				return
			}

			failures, err := sendChunk(ctx, c, chunk, key, send)
			mu.Lock()
			summary.Failures = append(summary.Failures, failures...)
			if err != nil && fatalErr == nil {
				fatalErr = err
				cancel()
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	summary.Succeeded = summary.Submitted - len(summary.Failures)
	if fatalErr != nil {
		return summary, fmt.Errorf("batch aborted: %w", fatalErr)
	}
	return summary, nil
}

// sendChunk drives one chunk to completion. Each retry resubmits only
// the items the previous call left unprocessed.
func sendChunk[T any](ctx context.Context, c *Coordinator, chunk []T, key func(T) string, send func(context.Context, []T) ([]T, error)) ([]ItemFailure, error) {
	remaining := chunk
	var lastErr error
	attempt := 0

	err := c.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			metrics.BatchRetriesTotal.Inc()
		}
		unprocessed, err := send(ctx, remaining)
		if err != nil {
			lastErr = err
			if storage.IsThrottled(err) || storage.IsUnavailable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if len(unprocessed) > 0 {
			remaining = unprocessed
			lastErr = errors.New("items returned unprocessed")
			return lastErr
		}
		remaining = nil
		return nil
	})

	if len(remaining) == 0 {
		return nil, nil
	}

	cause := lastErr
	if err != nil {
		cause = err
	}
	c.logger.Warn("chunk failed after retries",
		"items", len(remaining),
		"error", cause)

	failures := make([]ItemFailure, 0, len(remaining))
	for _, item := range remaining {
		failures = append(failures, ItemFailure{ID: key(item), Err: cause})
	}
	// Only a dead backend aborts the whole batch; throttling and
	// residual unprocessed items stay contained to this chunk.
	if storage.IsUnavailable(cause) {
		return failures, cause
	}
	return failures, nil
}
