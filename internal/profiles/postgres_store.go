package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/storage"
)

// PostgresStore persists profiles in PostgreSQL. All merge arithmetic
// runs inside single UPDATE statements so concurrent writers for the
// same user serialize on the row instead of losing updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const behaviorColumns = `user_id, spend_min, spend_max, spend_total, tx_count,
	frequent_merchants, common_locations, preferred_categories,
	category_frequency, risk_score, updated_at`

func scanBehavior(scan func(...any) error) (*UserBehaviorProfile, error) {
	var p UserBehaviorProfile
	var freqJSON []byte
	err := scan(&p.UserID, &p.Spending.Min, &p.Spending.Max, &p.TotalSpent,
		&p.TransactionCount, pq.Array(&p.FrequentMerchants), pq.Array(&p.CommonLocations),
		pq.Array(&p.PreferredCategories), &freqJSON, &p.RiskScore, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CategoryFrequency = map[string]int64{}
	_ = json.Unmarshal(freqJSON, &p.CategoryFrequency)
	p.Spending.Min = money.Canonical(p.Spending.Min)
	p.Spending.Max = money.Canonical(p.Spending.Max)
	p.TotalSpent = money.Canonical(p.TotalSpent)
	p.RecomputeAvg()
	return &p, nil
}

func (s *PostgresStore) GetBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM user_behavior_profiles WHERE user_id = $1
	`, behaviorColumns), userID)
	p, err := scanBehavior(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound("behavior_profile", userID)
	}
	if err != nil {
		return nil, storage.FromPostgres("behavior_profile", err)
	}
	return p, nil
}

func (s *PostgresStore) ensureBehaviorRow(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_behavior_profiles (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return storage.FromPostgres("behavior_profile", err)
	}
	return nil
}

func (s *PostgresStore) EnsureBehavior(ctx context.Context, userID string) (*UserBehaviorProfile, error) {
	if userID == "" {
		return nil, storage.Validation("behavior_profile", "", "user id is required")
	}
	if err := s.ensureBehaviorRow(ctx, userID); err != nil {
		return nil, err
	}
	return s.GetBehavior(ctx, userID)
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, userID string, d *Delta) error {
	if err := d.Validate(userID); err != nil {
		return err
	}
	if d.Empty() {
		return nil
	}
	if err := s.ensureBehaviorRow(ctx, userID); err != nil {
		return err
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{userID}

	if d.ObserveAmount != nil {
		args = append(args, money.Canonical(*d.ObserveAmount))
		i := len(args)
		sets = append(sets,
			fmt.Sprintf(`spend_min = CASE WHEN tx_count = 0 THEN $%d::NUMERIC(20,4)
				ELSE LEAST(spend_min, $%d::NUMERIC(20,4)) END`, i, i),
			fmt.Sprintf(`spend_max = GREATEST(spend_max, $%d::NUMERIC(20,4))`, i),
			fmt.Sprintf(`spend_total = spend_total + $%d::NUMERIC(20,4)`, i),
			`tx_count = tx_count + 1`)
	}
	if len(d.Merchants) > 0 {
		args = append(args, pq.Array(d.Merchants))
		sets = append(sets, fmt.Sprintf(
			`frequent_merchants = ARRAY(SELECT DISTINCT e FROM unnest(frequent_merchants || $%d::text[]) AS e)`, len(args)))
	}
	if len(d.Locations) > 0 {
		args = append(args, pq.Array(d.Locations))
		sets = append(sets, fmt.Sprintf(
			`common_locations = ARRAY(SELECT DISTINCT e FROM unnest(common_locations || $%d::text[]) AS e)`, len(args)))
	}
	if len(d.Categories) > 0 {
		args = append(args, pq.Array(d.Categories))
		sets = append(sets, fmt.Sprintf(
			`preferred_categories = ARRAY(SELECT DISTINCT e FROM unnest(preferred_categories || $%d::text[]) AS e)`, len(args)))
	}
	if len(d.CategoryCounts) > 0 {
		countsJSON, err := json.Marshal(d.CategoryCounts)
		if err != nil {
			return storage.Validation("behavior_profile", userID, "category counts not serializable: %v", err)
		}
		args = append(args, countsJSON)
		sets = append(sets, fmt.Sprintf(`category_frequency = (
			SELECT COALESCE(jsonb_object_agg(k, v), '{}'::jsonb) FROM (
				SELECT key AS k, SUM(value::bigint) AS v FROM (
					SELECT key, value FROM jsonb_each_text(category_frequency)
					UNION ALL
					SELECT key, value FROM jsonb_each_text($%d::jsonb)
				) merged GROUP BY key
			) summed)`, len(args)))
	}
	if d.RiskScore != nil {
		args = append(args, *d.RiskScore)
		sets = append(sets, fmt.Sprintf(`risk_score = $%d`, len(args)))
	}

	query := fmt.Sprintf(`UPDATE user_behavior_profiles SET %s WHERE user_id = $1`,
		strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storage.FromPostgres("behavior_profile", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBehavior(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_behavior_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return storage.FromPostgres("behavior_profile", err)
	}
	return nil
}

func (s *PostgresStore) GetRisk(ctx context.Context, userID string) (*RiskProfile, error) {
	var p RiskProfile
	var factorsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tier, factors, assessed_at FROM risk_profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Tier, &factorsJSON, &p.AssessedAt)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound("risk_profile", userID)
	}
	if err != nil {
		return nil, storage.FromPostgres("risk_profile", err)
	}
	p.Factors = map[string]float64{}
	_ = json.Unmarshal(factorsJSON, &p.Factors)
	return &p, nil
}

func (s *PostgresStore) PutRisk(ctx context.Context, p *RiskProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	factorsJSON, err := json.Marshal(p.Factors)
	if err != nil {
		return storage.Validation("risk_profile", p.UserID, "factors not serializable: %v", err)
	}
	// Upsert guarded on timestamp: a stale assessment is a silent no-op.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (user_id, tier, factors, assessed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier, factors = EXCLUDED.factors,
			assessed_at = EXCLUDED.assessed_at
		WHERE risk_profiles.assessed_at <= EXCLUDED.assessed_at
	`, p.UserID, string(p.Tier), factorsJSON, p.AssessedAt)
	if err != nil {
		return storage.FromPostgres("risk_profile", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRisk(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM risk_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return storage.FromPostgres("risk_profile", err)
	}
	return nil
}

func (s *PostgresStore) BehaviorStats(ctx context.Context) (*storage.EntityStats, error) {
	stats := &storage.EntityStats{Entity: "behavior_profile"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(pg_total_relation_size('user_behavior_profiles'), 0)
		FROM user_behavior_profiles
	`).Scan(&stats.Count, &stats.EstimatedBytes)
	if err != nil {
		return nil, storage.FromPostgres("behavior_profile", err)
	}
	return stats, nil
}

func (s *PostgresStore) RiskStats(ctx context.Context) (*storage.EntityStats, error) {
	stats := &storage.EntityStats{Entity: "risk_profile"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(pg_total_relation_size('risk_profiles'), 0)
		FROM risk_profiles
	`).Scan(&stats.Count, &stats.EstimatedBytes)
	if err != nil {
		return nil, storage.FromPostgres("risk_profile", err)
	}
	return stats, nil
}
