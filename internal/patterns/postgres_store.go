package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recallhq/recall/internal/pagination"
	"github.com/recallhq/recall/internal/storage"
)

// PostgresStore persists fraud patterns in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pattern store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const patternColumns = `id, pattern_type, signature, match_count, hit_count, last_seen`

func scanPattern(scan func(...any) error) (*FraudPattern, error) {
	var p FraudPattern
	var sigJSON []byte
	err := scan(&p.ID, &p.Type, &sigJSON, &p.MatchCount, &p.HitCount, &p.LastSeen)
	if err != nil {
		return nil, err
	}
	if len(sigJSON) > 0 {
		_ = json.Unmarshal(sigJSON, &p.Signature)
	}
	return &p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *FraudPattern, opts ...storage.PutOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	sigJSON, err := json.Marshal(p.Signature)
	if err != nil {
		return storage.Validation("fraud_pattern", p.ID, "signature not serializable: %v", err)
	}

	conflict := `ON CONFLICT (id) DO UPDATE SET
			pattern_type = EXCLUDED.pattern_type, signature = EXCLUDED.signature,
			match_count = EXCLUDED.match_count, hit_count = EXCLUDED.hit_count,
			last_seen = EXCLUDED.last_seen`
	if o.IfNotExists {
		conflict = `ON CONFLICT (id) DO NOTHING`
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO fraud_patterns (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
		%s
	`, patternColumns, conflict),
		p.ID, p.Type, sigJSON, p.MatchCount, p.HitCount, p.LastSeen)
	if err != nil {
		return storage.FromPostgres("fraud_pattern", err)
	}
	if o.IfNotExists {
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.Conflict("fraud_pattern", p.ID)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*FraudPattern, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM fraud_patterns WHERE id = $1
	`, patternColumns), id)
	p, err := scanPattern(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound("fraud_pattern", id)
	}
	if err != nil {
		return nil, storage.FromPostgres("fraud_pattern", err)
	}
	return p, nil
}

func (s *PostgresStore) ListByType(ctx context.Context, patternType string, limit int, cursor string) (*storage.Page[*FraudPattern], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("fraud_pattern", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM fraud_patterns WHERE pattern_type = $1`, patternColumns)
	args := []any{patternType}
	if cur != nil {
		args = append(args, cur.At, cur.ID)
		query += fmt.Sprintf(` AND (last_seen, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY last_seen DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.FromPostgres("fraud_pattern", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*FraudPattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, storage.FromPostgres("fraud_pattern", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.FromPostgres("fraud_pattern", err)
	}

	items, next, more := pagination.Trim(items, limit, func(p *FraudPattern) (time.Time, string) {
		return p.LastSeen, p.ID
	})
	return &storage.Page[*FraudPattern]{Items: items, Cursor: next, HasMore: more}, nil
}

func (s *PostgresStore) RecordObservation(ctx context.Context, id string, hit bool) error {
	hitInc := 0
	if hit {
		hitInc = 1
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE fraud_patterns SET
			match_count = match_count + 1,
			hit_count   = hit_count + $2,
			last_seen   = NOW()
		WHERE id = $1
	`, id, hitInc)
	if err != nil {
		return storage.FromPostgres("fraud_pattern", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.NotFound("fraud_pattern", id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fraud_patterns WHERE id = $1`, id)
	if err != nil {
		return storage.FromPostgres("fraud_pattern", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	stats := &storage.EntityStats{Entity: "fraud_pattern"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(pg_total_relation_size('fraud_patterns'), 0)
		FROM fraud_patterns
	`).Scan(&stats.Count, &stats.EstimatedBytes)
	if err != nil {
		return nil, storage.FromPostgres("fraud_pattern", err)
	}
	return stats, nil
}
