package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/amm"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/observability"
	"github.com/NeelContractor/prediction-market/internal/projection"
)

// ErrNotFound is returned when the queried market or holding is unknown.
var ErrNotFound = errors.New("not found")

// Service provides read-only access to projection tables. All responses
// include as_of_sequence for freshness semantics: the last operation the
// projection worker had applied when the row was read.
type Service struct {
	db      *sql.DB
	history *projection.TradeHistory
	metrics *observability.Metrics
}

func NewService(db *sql.DB, history *projection.TradeHistory, metrics *observability.Metrics) *Service {
	return &Service{db: db, history: history, metrics: metrics}
}

// GetMarket returns a single market's projected state with implied prices.
func (s *Service) GetMarket(ctx context.Context, seed string) (*MarketResponse, error) {
	defer s.observe("get_market", time.Now())

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT seed, vault_yes, vault_no, vault_collateral, total_liquidity,
		       locked, settled, resolution, fee_bps, end_timestamp
		FROM projections.market_state
		WHERE seed = $1
	`, seed)

	m, err := scanMarket(row, asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %q: %w", seed, ErrNotFound)
	}
	if err != nil {
		s.countError("get_market")
		return nil, err
	}
	return m, nil
}

// ListMarkets returns markets ordered by seed with cursor pagination.
// Pass an empty afterSeed for the first page.
func (s *Service) ListMarkets(ctx context.Context, limit int, afterSeed string) ([]MarketResponse, error) {
	defer s.observe("list_markets", time.Now())

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seed, vault_yes, vault_no, vault_collateral, total_liquidity,
		       locked, settled, resolution, fee_bps, end_timestamp
		FROM projections.market_state
		WHERE seed > $1
		ORDER BY seed
		LIMIT $2
	`, afterSeed, limit)
	if err != nil {
		s.countError("list_markets")
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		m, err := scanMarket(rows, asOfSeq)
		if err != nil {
			s.countError("list_markets")
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// GetHoldings returns an actor's outcome-token balances. A non-nil seed
// restricts the result to one market.
func (s *Service) GetHoldings(ctx context.Context, actor uuid.UUID, seed *string) ([]HoldingResponse, error) {
	defer s.observe("get_holdings", time.Now())

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT seed, mint, balance
		FROM projections.holdings
		WHERE actor = $1 AND balance != 0
	`
	args := []interface{}{actor.String()}
	if seed != nil {
		query += " AND seed = $2"
		args = append(args, *seed)
	}
	query += " ORDER BY seed, mint"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.countError("get_holdings")
		return nil, err
	}
	defer rows.Close()

	var holdings []HoldingResponse
	for rows.Next() {
		h := HoldingResponse{Actor: actor, AsOfSequence: asOfSeq}
		if err := rows.Scan(&h.Market, &h.Mint, &h.Balance); err != nil {
			s.countError("get_holdings")
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// GetTrades returns recent trades for an actor, newest first.
func (s *Service) GetTrades(ctx context.Context, actor uuid.UUID, limit int) ([]TradeResponse, error) {
	defer s.observe("get_trades", time.Now())

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if s.history == nil {
		return nil, nil
	}

	entries := s.history.ByActor(actor, limit)
	trades := make([]TradeResponse, 0, len(entries))
	for _, e := range entries {
		trades = append(trades, TradeResponse{
			Actor:     e.Actor,
			Market:    e.Market,
			OpType:    e.OpType,
			Direction: e.Direction,
			Side:      e.Side,
			AmountIn:  e.AmountIn,
			AmountOut: e.AmountOut,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
		})
	}
	return trades, nil
}

// QuoteSwap prices a hypothetical swap against the projected reserves.
// The quote is advisory: the engine reprices at apply time.
func (s *Service) QuoteSwap(ctx context.Context, seed string, direction market.Direction, side market.Side, amountIn uint64) (*QuoteResponse, error) {
	defer s.observe("quote_swap", time.Now())

	m, err := s.GetMarket(ctx, seed)
	if err != nil {
		return nil, err
	}

	var reserveIn, reserveOut uint64
	sideVault := uint64(m.VaultYes)
	if side == market.SideNo {
		sideVault = uint64(m.VaultNo)
	}
	if direction == market.DirectionBuy {
		reserveIn, reserveOut = uint64(m.VaultCollateral), sideVault
	} else {
		reserveIn, reserveOut = sideVault, uint64(m.VaultCollateral)
	}

	out, err := amm.QuoteSwap(reserveIn, reserveOut, amountIn, uint64(m.FeeBps))
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", seed, err)
	}

	return &QuoteResponse{
		Market:       seed,
		Direction:    direction.String(),
		Side:         side.String(),
		AmountIn:     amountIn,
		AmountOut:    out,
		FeeBps:       m.FeeBps,
		AsOfSequence: m.AsOfSequence,
	}, nil
}

// VerifyIntegrity checks hash chain continuity in the operation log and
// scans the holdings projection for negative balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		LEFT JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.sequence > 0 AND o1.prev_hash != COALESCE(o2.state_hash, o1.prev_hash)
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Token balances are unsigned in the engine; a negative projected
	// holding means the projection drifted and needs a rebuild.
	negRows, err := s.db.QueryContext(ctx, `
		SELECT actor, seed, mint
		FROM projections.holdings
		WHERE balance < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var actor, seed, mint string
		if err := negRows.Scan(&actor, &seed, &mint); err != nil {
			return nil, err
		}
		report.NegativeHoldings = append(report.NegativeHoldings,
			fmt.Sprintf("%s/%s/%s", actor, seed, mint))
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeHoldings) == 0
	return report, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner, asOfSeq int64) (*MarketResponse, error) {
	m := MarketResponse{AsOfSequence: asOfSeq}
	var endTS sql.NullTime
	if err := row.Scan(
		&m.Seed, &m.VaultYes, &m.VaultNo, &m.VaultCollateral, &m.TotalLiquidity,
		&m.Locked, &m.Settled, &m.Resolution, &m.FeeBps, &endTS,
	); err != nil {
		return nil, err
	}
	if endTS.Valid {
		m.EndTimestamp = endTS.Time
	}

	switch {
	case m.Settled:
		m.Phase = "settled"
	case m.Locked:
		m.Phase = "locked"
	default:
		m.Phase = "open"
	}

	// Price errors mean empty pools; leave the prices at zero.
	if py, err := amm.QuotePrice(uint64(m.VaultYes), uint64(m.VaultNo)); err == nil {
		m.PriceYes = py
	}
	if pn, err := amm.QuotePrice(uint64(m.VaultNo), uint64(m.VaultYes)); err == nil {
		m.PriceNo = pn
	}
	return &m, nil
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Service) countError(endpoint string) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
	}
}
