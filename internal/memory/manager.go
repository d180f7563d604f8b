// Package memory is the facade the decisioning agent talks to. It ties
// the entity stores, the similarity engine, the batch coordinator, and
// retention together behind one API and owns the cross-entity rules:
// recording a transaction also folds it into the user's behavior
// profile, and a decision may only attach to a stored transaction,
// exactly once.
package memory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/recallhq/recall/internal/batch"
	"github.com/recallhq/recall/internal/idgen"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/patterns"
	"github.com/recallhq/recall/internal/profiles"
	"github.com/recallhq/recall/internal/retention"
	"github.com/recallhq/recall/internal/similarity"
	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/internal/transactions"
	"github.com/recallhq/recall/internal/traces"
)

// Manager coordinates all memory operations.
type Manager struct {
	txs       transactions.Store
	decisions transactions.DecisionStore
	profiles  profiles.Store
	patterns  patterns.Store
	matcher   *similarity.Engine
	batcher   *batch.Coordinator
	retainer  *retention.Manager
}

// NewManager wires the stores and engines into a facade.
func NewManager(
	txs transactions.Store,
	decisions transactions.DecisionStore,
	prof profiles.Store,
	pat patterns.Store,
	matcher *similarity.Engine,
	batcher *batch.Coordinator,
	retainer *retention.Manager,
) *Manager {
	return &Manager{
		txs:       txs,
		decisions: decisions,
		profiles:  prof,
		patterns:  pat,
		matcher:   matcher,
		batcher:   batcher,
		retainer:  retainer,
	}
}

// RecordTransaction stores a transaction and folds it into the user's
// behavior profile. An empty ID gets one generated; the stored
// transaction is returned. Profile aggregation is part of the write
// path: a stored transaction whose profile update failed is reported
// as an error even though the transaction itself persisted.
func (m *Manager) RecordTransaction(ctx context.Context, tx *transactions.Transaction) (*transactions.Transaction, error) {
	if tx == nil {
		return nil, storage.Validation("transaction", "", "transaction is required")
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.RecordTransaction",
		traces.UserID(tx.UserID), traces.Merchant(tx.Merchant))
	defer span.End()

	var err error
	defer func() { metrics.ObserveOperation("record_transaction", start, err) }()

	if tx.ID == "" {
		tx.ID = idgen.Transaction()
	}
	span.SetAttributes(traces.TransactionID(tx.ID))

	if err = m.txs.Put(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction write failed")
		return nil, err
	}

	if err = m.profiles.ApplyDelta(ctx, tx.UserID, profileDelta(tx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile aggregation failed")
		return nil, fmt.Errorf("transaction %s stored but profile update failed: %w", tx.ID, err)
	}
	return tx, nil
}

// profileDelta derives the behavior-profile update one transaction
// contributes.
func profileDelta(tx *transactions.Transaction) *profiles.Delta {
	amount := money.Canonical(tx.Amount)
	d := &profiles.Delta{ObserveAmount: &amount}
	if tx.Merchant != "" {
		d.Merchants = []string{tx.Merchant}
	}
	if loc := locationKey(tx.Location); loc != "" {
		d.Locations = []string{loc}
	}
	if tx.Category != "" {
		d.Categories = []string{tx.Category}
		d.CategoryCounts = map[string]int64{tx.Category: 1}
	}
	return d
}

// locationKey reduces a location to the string profiles aggregate on.
func locationKey(l transactions.Location) string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.City != "":
		return l.City
	default:
		return l.Country
	}
}

// GetTransaction fetches one transaction by ID.
func (m *Manager) GetTransaction(ctx context.Context, id string) (*transactions.Transaction, error) {
	return m.txs.Get(ctx, id)
}

// AnnotateTransaction merges metadata keys into a stored transaction.
func (m *Manager) AnnotateTransaction(ctx context.Context, id string, metadata map[string]string) error {
	return m.txs.Annotate(ctx, id, metadata)
}

// RecordDecision attaches a decision context to a stored transaction.
// The transaction must exist, and at most one decision may ever attach
// to it; a second write is a conflict, not an overwrite. An audit
// record never changes after the fact.
func (m *Manager) RecordDecision(ctx context.Context, d *transactions.DecisionContext) error {
	if d == nil {
		return storage.Validation("decision", "", "decision context is required")
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.RecordDecision",
		traces.TransactionID(d.TransactionID))
	defer span.End()

	var err error
	defer func() { metrics.ObserveOperation("record_decision", start, err) }()

	if err = d.Validate(); err != nil {
		return err
	}
	if _, err = m.txs.Get(ctx, d.TransactionID); err != nil {
		span.RecordError(err)
		if storage.IsNotFound(err) {
			err = storage.Validation("decision", d.TransactionID, "transaction does not exist")
		}
		return err
	}
	if err = m.decisions.Put(ctx, d, storage.IfNotExists()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision write failed")
		return err
	}
	return nil
}

// GetDecision fetches the decision context for a transaction, if one
// was recorded.
func (m *Manager) GetDecision(ctx context.Context, transactionID string) (*transactions.DecisionContext, error) {
	return m.decisions.Get(ctx, transactionID)
}

// GetUserHistory pages a user's transactions newest-first within
// [from, to].
func (m *Manager) GetUserHistory(ctx context.Context, userID string, from, to time.Time, limit int, cursor string) (*storage.Page[*transactions.Transaction], error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.GetUserHistory", traces.UserID(userID))
	defer span.End()

	page, err := m.txs.QueryByUser(ctx, userID, from, to, limit, cursor)
	metrics.ObserveOperation("get_user_history", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return page, err
}

// GetSimilarCases finds stored transactions resembling the reference,
// each carrying its prior decision when one exists.
func (m *Manager) GetSimilarCases(ctx context.Context, q similarity.Query) ([]similarity.Match, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.GetSimilarCases",
		traces.UserID(q.Reference.UserID))
	defer span.End()

	matches, err := m.matcher.FindSimilar(ctx, q)
	metrics.ObserveOperation("get_similar_cases", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity query failed")
		return nil, err
	}
	span.SetAttributes(traces.MatchCount(len(matches)))
	metrics.SimilarityMatches.Observe(float64(len(matches)))
	return matches, nil
}

// GetOrCreateUserProfile returns the user's behavior profile, creating
// the empty one on first reference.
func (m *Manager) GetOrCreateUserProfile(ctx context.Context, userID string) (*profiles.UserBehaviorProfile, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.GetOrCreateUserProfile", traces.UserID(userID))
	defer span.End()

	p, err := m.profiles.EnsureBehavior(ctx, userID)
	metrics.ObserveOperation("get_or_create_profile", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return p, err
}

// ApplyProfileUpdate merges a field-level delta into the user's
// behavior profile.
func (m *Manager) ApplyProfileUpdate(ctx context.Context, userID string, d *profiles.Delta) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.ApplyProfileUpdate", traces.UserID(userID))
	defer span.End()

	err := m.profiles.ApplyDelta(ctx, userID, d)
	metrics.ObserveOperation("apply_profile_update", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// RecordRiskAssessment stores a user's latest risk assessment. Stale
// assessments (older AssessedAt than the stored one) are dropped.
func (m *Manager) RecordRiskAssessment(ctx context.Context, p *profiles.RiskProfile) error {
	if p == nil {
		return storage.Validation("risk_profile", "", "risk profile is required")
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.RecordRiskAssessment", traces.UserID(p.UserID))
	defer span.End()

	err := m.profiles.PutRisk(ctx, p)
	metrics.ObserveOperation("record_risk_assessment", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// GetRiskProfile fetches a user's current risk assessment.
func (m *Manager) GetRiskProfile(ctx context.Context, userID string) (*profiles.RiskProfile, error) {
	return m.profiles.GetRisk(ctx, userID)
}

// UpsertFraudPattern stores or replaces a learned fraud pattern. An
// empty ID gets one generated.
func (m *Manager) UpsertFraudPattern(ctx context.Context, p *patterns.FraudPattern) (*patterns.FraudPattern, error) {
	if p == nil {
		return nil, storage.Validation("pattern", "", "fraud pattern is required")
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.UpsertFraudPattern")
	defer span.End()

	if p.ID == "" {
		p.ID = idgen.Pattern()
	}
	span.SetAttributes(traces.PatternID(p.ID))
	err := m.patterns.Put(ctx, p)
	metrics.ObserveOperation("upsert_fraud_pattern", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p, nil
}

// GetFraudPattern fetches one pattern by ID.
func (m *Manager) GetFraudPattern(ctx context.Context, id string) (*patterns.FraudPattern, error) {
	return m.patterns.Get(ctx, id)
}

// ListFraudPatterns pages patterns of one type, most recently seen
// first.
func (m *Manager) ListFraudPatterns(ctx context.Context, patternType string, limit int, cursor string) (*storage.Page[*patterns.FraudPattern], error) {
	return m.patterns.ListByType(ctx, patternType, limit, cursor)
}

// RecordPatternObservation notes that a pattern matched a transaction,
// and whether the match turned out to be actual fraud.
func (m *Manager) RecordPatternObservation(ctx context.Context, patternID string, hit bool) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.RecordPatternObservation",
		traces.PatternID(patternID))
	defer span.End()

	err := m.patterns.RecordObservation(ctx, patternID, hit)
	metrics.ObserveOperation("record_pattern_observation", start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// BatchRecordTransactions ingests many transactions with
// partial-failure semantics: valid items persist even when others
// fail, and the summary names every item that did not make it.
// Profile aggregation runs per user afterwards for the items that
// persisted.
func (m *Manager) BatchRecordTransactions(ctx context.Context, txs []*transactions.Transaction) (*batch.Summary, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.BatchRecordTransactions",
		traces.BatchSize(len(txs)))
	defer span.End()

	for _, tx := range txs {
		if tx != nil && tx.ID == "" {
			tx.ID = idgen.Transaction()
		}
	}

	summary, err := m.batcher.PutTransactions(ctx, m.txs, txs)
	metrics.ObserveOperation("batch_record_transactions", start, err)
	metrics.BatchItemsTotal.WithLabelValues("succeeded").Add(float64(summary.Succeeded))
	metrics.BatchItemsTotal.WithLabelValues("failed").Add(float64(len(summary.Failures)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch aborted")
		return summary, err
	}

	failed := make(map[string]bool, len(summary.Failures))
	for _, f := range summary.Failures {
		failed[f.ID] = true
	}
	for _, tx := range txs {
		if tx == nil || failed[tx.ID] {
			continue
		}
		if perr := m.profiles.ApplyDelta(ctx, tx.UserID, profileDelta(tx)); perr != nil {
			span.RecordError(perr)
		}
	}
	return summary, nil
}

// BatchDeleteTransactions removes many transactions and their decision
// contexts with partial-failure semantics.
func (m *Manager) BatchDeleteTransactions(ctx context.Context, ids []string) (*batch.Summary, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.BatchDeleteTransactions",
		traces.BatchSize(len(ids)))
	defer span.End()

	summary, err := m.batcher.DeleteTransactions(ctx, m.txs, ids)
	metrics.ObserveOperation("batch_delete_transactions", start, err)
	if err != nil {
		span.RecordError(err)
		return summary, err
	}
	if _, derr := m.batcher.DeleteDecisions(ctx, m.decisions, ids); derr != nil {
		span.RecordError(derr)
	}
	return summary, nil
}

// RunRetention sweeps out transactions and decisions older than the
// retention window.
func (m *Manager) RunRetention(ctx context.Context) (*retention.Report, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.RunRetention")
	defer span.End()

	report, err := m.retainer.Cleanup(ctx)
	metrics.ObserveOperation("run_retention", start, err)
	if report != nil {
		metrics.RetentionDeletedTotal.WithLabelValues("transaction").Add(float64(report.TransactionsDeleted))
		metrics.RetentionDeletedTotal.WithLabelValues("decision").Add(float64(report.DecisionsDeleted))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retention sweep failed")
	}
	return report, err
}

// UsageStats reports per-entity storage consumption, best-effort.
func (m *Manager) UsageStats(ctx context.Context) (*retention.Usage, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "memory.UsageStats")
	defer span.End()

	usage, err := m.retainer.UsageStats(ctx)
	metrics.ObserveOperation("usage_stats", start, err)
	if usage != nil {
		for _, e := range usage.Entities {
			if !e.Unavailable {
				metrics.StoredRecords.WithLabelValues(e.Entity).Set(float64(e.Count))
			}
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return usage, err
}
