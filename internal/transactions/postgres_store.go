package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/pagination"
	"github.com/recallhq/recall/internal/storage"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, user_id, amount, currency, merchant, category,
	lat, lon, city, country, occurred_at, card_type,
	device_fingerprint, ip_address, session_id, metadata`

func scanTransaction(scan func(...any) error) (*Transaction, error) {
	var t Transaction
	var merchant, category, city, country sql.NullString
	var cardType, device, ip, session sql.NullString
	var metadataJSON []byte

	err := scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &merchant, &category,
		&t.Location.Lat, &t.Location.Lon, &city, &country, &t.Timestamp, &cardType,
		&device, &ip, &session, &metadataJSON)
	if err != nil {
		return nil, err
	}
	t.Merchant = merchant.String
	t.Category = category.String
	t.Location.City = city.String
	t.Location.Country = country.String
	t.CardType = cardType.String
	t.DeviceFingerprint = device.String
	t.IPAddress = ip.String
	t.SessionID = session.String
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &t.Metadata)
	}
	t.Amount = money.Canonical(t.Amount)
	return &t, nil
}

func (s *PostgresStore) Put(ctx context.Context, t *Transaction, opts ...storage.PutOption) error {
	if err := t.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return storage.Validation("transaction", t.ID, "metadata not serializable: %v", err)
	}

	conflict := `ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, amount = EXCLUDED.amount,
			currency = EXCLUDED.currency, merchant = EXCLUDED.merchant,
			category = EXCLUDED.category, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			city = EXCLUDED.city, country = EXCLUDED.country,
			occurred_at = EXCLUDED.occurred_at, card_type = EXCLUDED.card_type,
			device_fingerprint = EXCLUDED.device_fingerprint,
			ip_address = EXCLUDED.ip_address, session_id = EXCLUDED.session_id,
			metadata = EXCLUDED.metadata`
	if o.IfNotExists {
		conflict = `ON CONFLICT (id) DO NOTHING`
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO transactions (%s)
		VALUES ($1, $2, $3::NUMERIC(20,4), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		%s
	`, txColumns, conflict),
		t.ID, t.UserID, money.Canonical(t.Amount), t.Currency,
		nullable(t.Merchant), nullable(t.Category),
		t.Location.Lat, t.Location.Lon, nullable(t.Location.City), nullable(t.Location.Country),
		t.Timestamp, nullable(t.CardType), nullable(t.DeviceFingerprint),
		nullable(t.IPAddress), nullable(t.SessionID), metadataJSON)
	if err != nil {
		return storage.FromPostgres("transaction", err)
	}
	if o.IfNotExists {
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.Conflict("transaction", t.ID)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM transactions WHERE id = $1
	`, txColumns), id)
	t, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound("transaction", id)
	}
	if err != nil {
		return nil, storage.FromPostgres("transaction", err)
	}
	return t, nil
}

func (s *PostgresStore) queryPage(ctx context.Context, query string, limit int, args []any) (*storage.Page[*Transaction], error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.FromPostgres("transaction", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, storage.FromPostgres("transaction", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.FromPostgres("transaction", err)
	}

	items, next, more := pagination.Trim(items, limit, func(t *Transaction) (time.Time, string) {
		return t.Timestamp, t.ID
	})
	return &storage.Page[*Transaction]{Items: items, Cursor: next, HasMore: more}, nil
}

func (s *PostgresStore) QueryByUser(ctx context.Context, userID string, from, to time.Time, limit int, cursor string) (*storage.Page[*Transaction], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("transaction", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM transactions WHERE user_id = $1`, txColumns)
	args := []any{userID}
	if !from.IsZero() {
		args = append(args, from)
		fmt.Fprintf(&sb, ` AND occurred_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		fmt.Fprintf(&sb, ` AND occurred_at <= $%d`, len(args))
	}
	if cur != nil {
		args = append(args, cur.At, cur.ID)
		fmt.Fprintf(&sb, ` AND (occurred_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	fmt.Fprintf(&sb, ` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args))

	return s.queryPage(ctx, sb.String(), limit, args)
}

func (s *PostgresStore) QueryByMerchant(ctx context.Context, merchant string, limit int, cursor string) (*storage.Page[*Transaction], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("transaction", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM transactions WHERE merchant = $1`, txColumns)
	args := []any{merchant}
	if cur != nil {
		args = append(args, cur.At, cur.ID)
		fmt.Fprintf(&sb, ` AND (occurred_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	fmt.Fprintf(&sb, ` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args))

	return s.queryPage(ctx, sb.String(), limit, args)
}

func (s *PostgresStore) QueryOlderThan(ctx context.Context, cutoff time.Time, limit int, cursor string) (*storage.Page[*Transaction], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, storage.Validation("transaction", "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM transactions WHERE occurred_at < $1`, txColumns)
	args := []any{cutoff}
	if cur != nil {
		args = append(args, cur.At, cur.ID)
		fmt.Fprintf(&sb, ` AND (occurred_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	fmt.Fprintf(&sb, ` ORDER BY occurred_at ASC, id ASC LIMIT $%d`, len(args))

	return s.queryPage(ctx, sb.String(), limit, args)
}

func (s *PostgresStore) Annotate(ctx context.Context, id string, metadata map[string]string) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return storage.Validation("transaction", id, "metadata not serializable: %v", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET metadata = metadata || $2::jsonb WHERE id = $1
	`, id, metadataJSON)
	if err != nil {
		return storage.FromPostgres("transaction", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.NotFound("transaction", id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return storage.FromPostgres("transaction", err)
	}
	return nil
}

func (s *PostgresStore) PutBatch(ctx context.Context, txs []*Transaction) ([]*Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txs, storage.FromPostgres("transaction", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	for _, t := range txs {
		metadataJSON, err := json.Marshal(t.Metadata)
		if err != nil {
			return txs, storage.Validation("transaction", t.ID, "metadata not serializable: %v", err)
		}
		_, err = dbTx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO transactions (%s)
			VALUES ($1, $2, $3::NUMERIC(20,4), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id, amount = EXCLUDED.amount,
				currency = EXCLUDED.currency, merchant = EXCLUDED.merchant,
				category = EXCLUDED.category, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
				city = EXCLUDED.city, country = EXCLUDED.country,
				occurred_at = EXCLUDED.occurred_at, card_type = EXCLUDED.card_type,
				device_fingerprint = EXCLUDED.device_fingerprint,
				ip_address = EXCLUDED.ip_address, session_id = EXCLUDED.session_id,
				metadata = EXCLUDED.metadata
		`, txColumns),
			t.ID, t.UserID, money.Canonical(t.Amount), t.Currency,
			nullable(t.Merchant), nullable(t.Category),
			t.Location.Lat, t.Location.Lon, nullable(t.Location.City), nullable(t.Location.Country),
			t.Timestamp, nullable(t.CardType), nullable(t.DeviceFingerprint),
			nullable(t.IPAddress), nullable(t.SessionID), metadataJSON)
		if err != nil {
			// The transaction is poisoned; everything is unprocessed.
			return txs, storage.FromPostgres("transaction", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return txs, storage.FromPostgres("transaction", err)
	}
	return nil, nil
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return ids, storage.FromPostgres("transaction", err)
	}
	return nil, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	stats := &storage.EntityStats{Entity: "transaction"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(pg_total_relation_size('transactions'), 0)
		FROM transactions
	`).Scan(&stats.Count, &stats.EstimatedBytes)
	if err != nil {
		return nil, storage.FromPostgres("transaction", err)
	}
	return stats, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresDecisionStore persists decision contexts in PostgreSQL.
type PostgresDecisionStore struct {
	db *sql.DB
}

// NewPostgresDecisionStore creates a PostgreSQL-backed decision store.
func NewPostgresDecisionStore(db *sql.DB) *PostgresDecisionStore {
	return &PostgresDecisionStore{db: db}
}

const decisionColumns = `transaction_id, decision, confidence, reasoning,
	evidence, tools_used, decided_at, latency_ms, agent_version`

func scanDecision(scan func(...any) error) (*DecisionContext, error) {
	var d DecisionContext
	var reasoningJSON, evidenceJSON, toolsJSON []byte
	var latencyMS int64
	var agentVersion sql.NullString

	err := scan(&d.TransactionID, &d.Decision, &d.Confidence, &reasoningJSON,
		&evidenceJSON, &toolsJSON, &d.Timestamp, &latencyMS, &agentVersion)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasoningJSON, &d.Reasoning); err != nil {
		return nil, fmt.Errorf("decode reasoning: %w", err)
	}
	if err := json.Unmarshal(evidenceJSON, &d.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if err := json.Unmarshal(toolsJSON, &d.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decode tools_used: %w", err)
	}
	d.Latency = time.Duration(latencyMS) * time.Millisecond
	d.AgentVersion = agentVersion.String
	return &d, nil
}

func (s *PostgresDecisionStore) Put(ctx context.Context, d *DecisionContext, opts ...storage.PutOption) error {
	if err := d.Validate(); err != nil {
		return err
	}
	o := storage.ApplyPutOptions(opts)

	reasoningJSON, _ := json.Marshal(d.Reasoning)
	evidenceJSON, _ := json.Marshal(d.Evidence)
	toolsJSON, _ := json.Marshal(d.ToolsUsed)

	conflict := `ON CONFLICT (transaction_id) DO UPDATE SET
			decision = EXCLUDED.decision, confidence = EXCLUDED.confidence,
			reasoning = EXCLUDED.reasoning, evidence = EXCLUDED.evidence,
			tools_used = EXCLUDED.tools_used, decided_at = EXCLUDED.decided_at,
			latency_ms = EXCLUDED.latency_ms, agent_version = EXCLUDED.agent_version`
	if o.IfNotExists {
		conflict = `ON CONFLICT (transaction_id) DO NOTHING`
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO decision_contexts (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		%s
	`, decisionColumns, conflict),
		d.TransactionID, string(d.Decision), d.Confidence, reasoningJSON,
		evidenceJSON, toolsJSON, d.Timestamp, d.Latency.Milliseconds(),
		nullable(d.AgentVersion))
	if err != nil {
		return storage.FromPostgres("decision", err)
	}
	if o.IfNotExists {
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.Conflict("decision", d.TransactionID)
		}
	}
	return nil
}

func (s *PostgresDecisionStore) Get(ctx context.Context, transactionID string) (*DecisionContext, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM decision_contexts WHERE transaction_id = $1
	`, decisionColumns), transactionID)
	d, err := scanDecision(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound("decision", transactionID)
	}
	if err != nil {
		return nil, storage.FromPostgres("decision", err)
	}
	return d, nil
}

func (s *PostgresDecisionStore) GetBatch(ctx context.Context, transactionIDs []string) (map[string]*DecisionContext, error) {
	if len(transactionIDs) == 0 {
		return map[string]*DecisionContext{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM decision_contexts WHERE transaction_id = ANY($1)
	`, decisionColumns), pq.Array(transactionIDs))
	if err != nil {
		return nil, storage.FromPostgres("decision", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*DecisionContext)
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, storage.FromPostgres("decision", err)
		}
		out[d.TransactionID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, storage.FromPostgres("decision", err)
	}
	return out, nil
}

func (s *PostgresDecisionStore) Delete(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decision_contexts WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return storage.FromPostgres("decision", err)
	}
	return nil
}

func (s *PostgresDecisionStore) DeleteBatch(ctx context.Context, transactionIDs []string) ([]string, error) {
	if len(transactionIDs) == 0 {
		return nil, nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM decision_contexts WHERE transaction_id = ANY($1)`, pq.Array(transactionIDs))
	if err != nil {
		return transactionIDs, storage.FromPostgres("decision", err)
	}
	return nil, nil
}

func (s *PostgresDecisionStore) Stats(ctx context.Context) (*storage.EntityStats, error) {
	stats := &storage.EntityStats{Entity: "decision"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(pg_total_relation_size('decision_contexts'), 0)
		FROM decision_contexts
	`).Scan(&stats.Count, &stats.EstimatedBytes)
	if err != nil {
		return nil, storage.FromPostgres("decision", err)
	}
	return stats, nil
}
