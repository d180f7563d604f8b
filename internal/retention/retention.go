// Package retention ages out transactions and their decision contexts
// past the configured retention window, and reports storage usage.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/recallhq/recall/internal/batch"
	"github.com/recallhq/recall/internal/patterns"
	"github.com/recallhq/recall/internal/profiles"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/internal/transactions"
)

// DefaultPeriod keeps a year of transaction history.
const DefaultPeriod = 365 * 24 * time.Hour

// sweepPageSize bounds how many expired transactions one page pulls.
const sweepPageSize = 200

// Report summarizes one cleanup pass. Scanned counts every expired
// transaction the sweep retrieved; DecisionsDeleted counts attempted
// decision deletes, since not every transaction has a decision context
// and the stores treat deleting an absent one as success.
type Report struct {
	Cutoff              time.Time           `json:"cutoff"`
	Scanned             int                 `json:"scanned"`
	TransactionsDeleted int                 `json:"transactionsDeleted"`
	DecisionsDeleted    int                 `json:"decisionsDeleted"`
	Failures            []batch.ItemFailure `json:"failures,omitempty"`
	Duration            time.Duration       `json:"duration"`
}

// EntityUsage is the per-entity slice of a usage report. Unavailable
// marks entities whose backing store could not answer; their counts
// are zero, not trustworthy.
type EntityUsage struct {
	Entity         string `json:"entity"`
	Count          int64  `json:"count"`
	EstimatedBytes int64  `json:"estimatedBytes"`
	Unavailable    bool   `json:"unavailable,omitempty"`
}

// Usage aggregates storage consumption across every entity type.
type Usage struct {
	Entities    []EntityUsage `json:"entities"`
	TotalCount  int64         `json:"totalCount"`
	TotalBytes  int64         `json:"totalBytes"`
	CollectedAt time.Time     `json:"collectedAt"`
}

// Manager runs retention sweeps against the transaction stores.
// Profiles and fraud patterns are durable aggregates and are never
// aged out.
type Manager struct {
	txs         transactions.Store
	decisions   transactions.DecisionStore
	profiles    profiles.Store
	patterns    patterns.Store
	coordinator *batch.Coordinator
	logger      *slog.Logger
	period      time.Duration
}

// NewManager creates a retention manager with the default one-year
// window.
func NewManager(txs transactions.Store, decisions transactions.DecisionStore, prof profiles.Store, pat patterns.Store, coord *batch.Coordinator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if coord == nil {
		coord = batch.NewCoordinator(logger)
	}
	return &Manager{
		txs:         txs,
		decisions:   decisions,
		profiles:    prof,
		patterns:    pat,
		coordinator: coord,
		logger:      logger,
		period:      DefaultPeriod,
	}
}

// WithPeriod overrides the retention window.
func (m *Manager) WithPeriod(d time.Duration) *Manager {
	if d > 0 {
		m.period = d
	}
	return m
}

// Cleanup deletes transactions (and their decision contexts) whose
// timestamp falls before now minus the retention window. Safe to run
// concurrently with writes and safe to re-run: a second pass over an
// already-clean window deletes nothing.
func (m *Manager) Cleanup(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Cutoff: start.Add(-m.period)}

	for {
		// Always page from the start: deletions shift the window, so a
		// cursor from the previous page would skip survivors.
		page, err := m.txs.QueryOlderThan(ctx, report.Cutoff, sweepPageSize, "")
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if len(page.Items) == 0 {
			break
		}
		report.Scanned += len(page.Items)

		ids := make([]string, len(page.Items))
		for i, t := range page.Items {
			ids[i] = t.ID
		}

		txSummary, err := m.coordinator.DeleteTransactions(ctx, m.txs, ids)
		report.TransactionsDeleted += txSummary.Succeeded
		report.Failures = append(report.Failures, txSummary.Failures...)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		decSummary, err := m.coordinator.DeleteDecisions(ctx, m.decisions, ids)
		report.DecisionsDeleted += decSummary.Succeeded
		report.Failures = append(report.Failures, decSummary.Failures...)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		// A page of pure failures would loop forever; stop and let the
		// next scheduled pass retry.
		if txSummary.Succeeded == 0 {
			break
		}
		if !page.HasMore {
			break
		}
	}

	report.Duration = time.Since(start)
	m.logger.Info("retention sweep complete",
		"cutoff", report.Cutoff,
		"scanned", report.Scanned,
		"transactions_deleted", report.TransactionsDeleted,
		"decisions_deleted", report.DecisionsDeleted,
		"failures", len(report.Failures),
		"duration", report.Duration)
	return report, nil
}

// UsageStats collects per-entity storage statistics. Collection is
// best-effort: an entity whose store fails is marked unavailable and
// the rest still report.
func (m *Manager) UsageStats(ctx context.Context) (*Usage, error) {
	usage := &Usage{CollectedAt: time.Now()}

	collect := func(entity string, fn func(context.Context) (*storage.EntityStats, error)) {
		stats, err := fn(ctx)
		if err != nil {
			m.logger.Warn("usage stats unavailable", "entity", entity, "error", err)
			usage.Entities = append(usage.Entities, EntityUsage{Entity: entity, Unavailable: true})
			return
		}
		usage.Entities = append(usage.Entities, EntityUsage{
			Entity:         stats.Entity,
			Count:          stats.Count,
			EstimatedBytes: stats.EstimatedBytes,
		})
		usage.TotalCount += stats.Count
		usage.TotalBytes += stats.EstimatedBytes
	}

	collect("transaction", m.txs.Stats)
	collect("decision", m.decisions.Stats)
	collect("behavior_profile", m.profiles.BehaviorStats)
	collect("risk_profile", m.profiles.RiskStats)
	collect("fraud_pattern", m.patterns.Stats)

	return usage, nil
}

// Scheduler runs Cleanup on a fixed interval until the context is
// cancelled. Errors are logged, never fatal; the next tick retries.
func (m *Manager) Scheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}
