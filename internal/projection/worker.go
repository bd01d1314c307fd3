package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/observability"
)

// Worker updates projection tables from applied operations. The projection
// channel is non-blocking with drop: if this worker falls behind, the
// tables go stale and can be rebuilt from the operation log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	history   *TradeHistory
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, history *TradeHistory, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Projections are eventually consistent and can be
				// rebuilt from the operation log.
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	if output.Snapshot.Market.Seed != "" {
		if err := upsertMarketState(ctx, tx, output.Snapshot, seq); err != nil {
			return fmt.Errorf("market state: %w", err)
		}
	}

	if err := applyHoldings(ctx, tx, output, seq); err != nil {
		return fmt.Errorf("holdings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if w.history != nil {
		if entry, ok := tradeEntry(output); ok {
			w.history.Add(entry)
		}
	}
	return nil
}

func upsertMarketState(ctx context.Context, tx *sql.Tx, snap market.Snapshot, seq int64) error {
	m := snap.Market
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_state
			(seed, vault_yes, vault_no, vault_collateral, total_liquidity,
			 locked, settled, resolution, fee_bps, end_timestamp, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (seed) DO UPDATE SET
			vault_yes        = $2,
			vault_no         = $3,
			vault_collateral = $4,
			total_liquidity  = $5,
			locked           = $6,
			settled          = $7,
			resolution       = $8,
			last_sequence    = $11,
			updated_at       = NOW()
	`, m.Seed, int64(snap.VaultYes), int64(snap.VaultNo), int64(snap.VaultCollateral),
		int64(m.TotalLiquidity), m.Locked, m.Settled, m.Resolution,
		int64(m.FeeBps), m.EndTimestamp, seq)
	return err
}

// applyHoldings maintains per-actor outcome-token balances. Collateral
// balances are served live from the token ledger, not projected here.
func applyHoldings(ctx context.Context, tx *sql.Tx, output engine.Output, seq int64) error {
	switch in := output.Instruction.(type) {
	case *instruction.Swap:
		mint := string(output.Snapshot.Market.SideMint(in.Side))
		if in.Direction == market.DirectionBuy {
			return addHolding(ctx, tx, in.Actor.String(), in.Market, mint, int64(output.Amount), seq)
		}
		return addHolding(ctx, tx, in.Actor.String(), in.Market, mint, -int64(in.Amount), seq)

	case *instruction.Claim:
		// The entire winning balance is burned on claim.
		mint := string(output.Snapshot.Market.WinningMint())
		return zeroHolding(ctx, tx, in.Actor.String(), in.Market, mint, seq)

	default:
		return nil
	}
}

func addHolding(ctx context.Context, tx *sql.Tx, actor, seed, mint string, delta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.holdings (actor, seed, mint, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (actor, seed, mint)
		DO UPDATE SET balance = projections.holdings.balance + $4,
		              last_sequence = $5, updated_at = NOW()
	`, actor, seed, mint, delta, seq)
	return err
}

func zeroHolding(ctx context.Context, tx *sql.Tx, actor, seed, mint string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.holdings (actor, seed, mint, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, 0, $4, NOW())
		ON CONFLICT (actor, seed, mint)
		DO UPDATE SET balance = 0, last_sequence = $4, updated_at = NOW()
	`, actor, seed, mint, seq)
	return err
}

// Rebuild replays the operation log into fresh projection tables. Reserve
// rows carry the scalar result of each operation, so the same holdings
// logic that runs live can be re-applied from durable state.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.market_state`,
		`TRUNCATE projections.holdings`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Latest reserve reading per market becomes the market state.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.market_state
			(seed, vault_yes, vault_no, vault_collateral, total_liquidity,
			 locked, settled, resolution, fee_bps, end_timestamp, last_sequence, updated_at)
		SELECT DISTINCT ON (seed)
			seed, vault_yes, vault_no, vault_collateral, total_liquidity,
			locked, settled, resolution, 0, NULL, sequence, NOW()
		FROM op_log.reserves
		ORDER BY seed, sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild market state: %w", err)
	}

	// Reserve rows do not carry the creation config; recover fee and end
	// time from the CreateMarket payloads.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.market_state ms
		SET fee_bps       = (o.payload->'Config'->>'FeeBps')::BIGINT,
		    end_timestamp = (o.payload->'Config'->>'EndTimestamp')::TIMESTAMPTZ
		FROM op_log.operations o
		WHERE o.op_type = 'CreateMarket' AND o.seed = ms.seed
	`); err != nil {
		return fmt.Errorf("rebuild market config: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT o.sequence, o.op_type, o.payload, COALESCE(r.amount, 0)
		FROM op_log.operations o
		LEFT JOIN op_log.reserves r USING (sequence)
		WHERE o.op_type IN ('Swap', 'Claim')
		ORDER BY o.sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild holdings query: %w", err)
	}
	defer rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	for rows.Next() {
		var (
			seq     int64
			opType  string
			payload []byte
			amount  int64
		)
		if err := rows.Scan(&seq, &opType, &payload, &amount); err != nil {
			return fmt.Errorf("rebuild holdings scan: %w", err)
		}

		switch opType {
		case "Swap":
			var in instruction.Swap
			if err := json.Unmarshal(payload, &in); err != nil {
				return fmt.Errorf("rebuild swap payload at seq=%d: %w", seq, err)
			}
			mint := string(market.SideMintFor(in.Market, in.Side))
			delta := amount
			if in.Direction == market.DirectionSell {
				delta = -int64(in.Amount)
			}
			if err := addHolding(ctx, tx, in.Actor.String(), in.Market, mint, delta, seq); err != nil {
				return fmt.Errorf("rebuild swap at seq=%d: %w", seq, err)
			}

		case "Claim":
			var in instruction.Claim
			if err := json.Unmarshal(payload, &in); err != nil {
				return fmt.Errorf("rebuild claim payload at seq=%d: %w", seq, err)
			}
			side := market.SideNo
			if in.ClaimYes {
				side = market.SideYes
			}
			mint := string(market.SideMintFor(in.Market, side))
			if err := zeroHolding(ctx, tx, in.Actor.String(), in.Market, mint, seq); err != nil {
				return fmt.Errorf("rebuild claim at seq=%d: %w", seq, err)
			}
		}
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if lastSeq > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, lastSeq); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
