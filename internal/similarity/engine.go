package similarity

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/recallhq/recall/internal/money"
	"github.com/recallhq/recall/internal/profiles"
	"github.com/recallhq/recall/internal/transactions"
)

const (
	weightAmount   = 0.35
	weightMerchant = 0.25
	weightLocation = 0.20
	weightTime     = 0.20
)

// Engine scores historical transactions against a reference transaction.
// Candidates come from the user's own history (and, on request, from
// other users at the same merchant); scoring is pure in-memory math.
type Engine struct {
	txs       transactions.Store
	decisions transactions.DecisionStore
	profiles  profiles.Store
	logger    *slog.Logger

	threshold     float64
	limit         int
	lookback      time.Duration
	maxCandidates int
}

// NewEngine creates a similarity engine over the given stores. The
// profile store is optional; without it amount proximity falls back to
// a scale derived from the reference amount alone.
func NewEngine(txs transactions.Store, decisions transactions.DecisionStore, prof profiles.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		txs:           txs,
		decisions:     decisions,
		profiles:      prof,
		logger:        logger,
		threshold:     DefaultThreshold,
		limit:         DefaultLimit,
		lookback:      DefaultLookback,
		maxCandidates: DefaultMaxCandidates,
	}
}

// WithThreshold overrides the default match threshold.
func (e *Engine) WithThreshold(t float64) *Engine {
	e.threshold = t
	return e
}

// WithLimit overrides the default result limit.
func (e *Engine) WithLimit(n int) *Engine {
	e.limit = n
	return e
}

// WithLookback overrides the candidate time window.
func (e *Engine) WithLookback(d time.Duration) *Engine {
	e.lookback = d
	return e
}

// WithMaxCandidates caps how many stored transactions are scored per query.
func (e *Engine) WithMaxCandidates(n int) *Engine {
	e.maxCandidates = n
	return e
}

// FindSimilar returns past transactions scoring at or above the
// threshold, best first. Equal scores order by recency. An identical
// transaction always scores 1.0.
func (e *Engine) FindSimilar(ctx context.Context, q Query) ([]Match, error) {
	ref := q.Reference
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	threshold := e.threshold
	if q.Threshold > 0 {
		threshold = q.Threshold
	}
	limit := e.limit
	if q.Limit > 0 {
		limit = q.Limit
	}

	candidates, err := e.collect(ctx, q)
	if err != nil {
		return nil, err
	}

	var scale float64
	if e.profiles != nil {
		if p, err := e.profiles.GetBehavior(ctx, ref.UserID); err == nil {
			scale = spendingScale(p)
		}
	}

	matches := make([]Match, 0, limit)
	for _, cand := range candidates {
		score := e.score(ref, cand, scale)
		if score >= threshold {
			matches = append(matches, Match{Transaction: cand, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Transaction.Timestamp.After(matches[j].Transaction.Timestamp)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	if err := e.attachDecisions(ctx, matches); err != nil {
		// Matches without prior decisions are still useful.
		e.logger.Warn("prior decision lookup failed", "error", err)
	}
	return matches, nil
}

// collect gathers candidate transactions within the lookback window,
// newest first, capped at maxCandidates. The reference itself is
// excluded when already stored.
func (e *Engine) collect(ctx context.Context, q Query) ([]*transactions.Transaction, error) {
	ref := q.Reference
	from := ref.Timestamp.Add(-e.lookback)
	seen := map[string]bool{ref.ID: true}
	var out []*transactions.Transaction

	cursor := ""
	for len(out) < e.maxCandidates {
		page, err := e.txs.QueryByUser(ctx, ref.UserID, from, ref.Timestamp, e.maxCandidates-len(out), cursor)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Items {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	if q.CrossUser && ref.Merchant != "" && len(out) < e.maxCandidates {
		page, err := e.txs.QueryByMerchant(ctx, ref.Merchant, e.maxCandidates-len(out), "")
		if err != nil {
			return nil, err
		}
		for _, t := range page.Items {
			if !seen[t.ID] && t.Timestamp.After(from) {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (e *Engine) attachDecisions(ctx context.Context, matches []Match) error {
	if e.decisions == nil || len(matches) == 0 {
		return nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Transaction.ID
	}
	found, err := e.decisions.GetBatch(ctx, ids)
	if err != nil {
		return err
	}
	for i := range matches {
		matches[i].PriorDecision = found[matches[i].Transaction.ID]
	}
	return nil
}

// score computes the weighted similarity of two transactions.
// Each factor is in [0, 1]; the weighted sum is rounded to 3 decimals.
func (e *Engine) score(ref, cand *transactions.Transaction, scale float64) float64 {
	score := amountFactor(ref, cand, scale)*weightAmount +
		merchantFactor(ref, cand)*weightMerchant +
		locationFactor(ref.Location, cand.Location)*weightLocation +
		timeFactor(ref.Timestamp, cand.Timestamp)*weightTime

	// Clamp to [0, 1]
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return math.Round(score*1000) / 1000
}

// amountFactor: proximity of the two amounts, normalized by the user's
// typical spending spread when available, otherwise by the larger of
// the two amounts. Equal amounts = 1.0.
func amountFactor(ref, cand *transactions.Transaction, scale float64) float64 {
	a := money.Float(ref.Amount)
	b := money.Float(cand.Amount)
	diff := math.Abs(a - b)
	if diff == 0 {
		return 1.0
	}
	if scale <= 0 {
		scale = math.Max(math.Abs(a), math.Abs(b))
	}
	if scale <= 0 {
		return 0.0
	}
	f := 1.0 - diff/scale
	if f < 0 {
		f = 0
	}
	return f
}

// spendingScale derives a normalization scale from a profile's
// observed range. A single-transaction profile has no spread, so fall
// back to the average amount.
func spendingScale(p *profiles.UserBehaviorProfile) float64 {
	min := money.Float(p.Spending.Min)
	max := money.Float(p.Spending.Max)
	if max > min {
		return max - min
	}
	if avg := money.Float(p.Spending.Avg); avg > 0 {
		return avg
	}
	return 0
}

// merchantFactor: same merchant = 1.0, same category = 0.6, else 0.0.
func merchantFactor(ref, cand *transactions.Transaction) float64 {
	switch {
	case ref.Merchant != "" && ref.Merchant == cand.Merchant:
		return 1.0
	case ref.Category != "" && ref.Category == cand.Category:
		return 0.6
	default:
		return 0.0
	}
}

// locationFactor: bucketed great-circle distance when both sides carry
// coordinates. Without coordinates fall back to city match (0.8) or
// country match (0.4).
func locationFactor(a, b transactions.Location) float64 {
	if a.HasCoordinates() && b.HasCoordinates() {
		switch km := haversineKm(a.Lat, a.Lon, b.Lat, b.Lon); {
		case km < 1:
			return 1.0
		case km < 10:
			return 0.8
		case km < 50:
			return 0.6
		case km < 200:
			return 0.3
		default:
			return 0.0
		}
	}
	switch {
	case a.City != "" && a.City == b.City:
		return 0.8
	case a.Country != "" && a.Country == b.Country:
		return 0.4
	default:
		return 0.0
	}
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// timeFactor: closeness of time-of-day (circular, so 23:00 and 01:00
// are 2 hours apart) blended with weekday/weekend agreement.
func timeFactor(a, b time.Time) float64 {
	ha := float64(a.Hour()) + float64(a.Minute())/60
	hb := float64(b.Hour()) + float64(b.Minute())/60
	d := math.Abs(ha - hb)
	if d > 12 {
		d = 24 - d
	}
	hourScore := 1.0 - d/12

	dayScore := 0.0
	if isWeekend(a) == isWeekend(b) {
		dayScore = 1.0
	}
	return 0.7*hourScore + 0.3*dayScore
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
