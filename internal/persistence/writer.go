package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// OpLogWriter writes applied operations and reserve rows to Postgres using
// multi-row INSERT. Writes are idempotent: replays hit ON CONFLICT DO
// NOTHING on the sequence key.
type OpLogWriter struct {
	db *sql.DB
}

// OpRow is a row in op_log.operations.
type OpRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	Seed           *string
	Payload        []byte // JSON-encoded operation payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// ReserveRow is a row in op_log.reserves: the post-operation vault state,
// one row per applied operation that touched a market.
type ReserveRow struct {
	Sequence        int64
	Seed            string
	VaultYes        int64
	VaultNo         int64
	VaultCollateral int64
	TotalLiquidity  int64
	Locked          bool
	Settled         bool
	Resolution      bool
	Amount          int64
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// execer lets batch writes run inside a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteOpBatch writes a batch of operations to op_log.operations.
func (w *OpLogWriter) WriteOpBatch(ctx context.Context, ex execer, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_type, idempotency_key, seed, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*9)

	for i, o := range ops {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.Seed,
			o.Payload, o.StateHash, o.PrevHash, o.Timestamp, o.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteReserveBatch writes a batch of reserve rows to op_log.reserves.
func (w *OpLogWriter) WriteReserveBatch(ctx context.Context, ex execer, reserves []ReserveRow) error {
	if len(reserves) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.reserves
		(sequence, seed, vault_yes, vault_no, vault_collateral, total_liquidity, locked, settled, resolution, amount)
		VALUES `

	values := make([]string, 0, len(reserves))
	args := make([]interface{}, 0, len(reserves)*10)

	for i, r := range reserves {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.Sequence, r.Seed, r.VaultYes, r.VaultNo, r.VaultCollateral,
			r.TotalLiquidity, r.Locked, r.Settled, r.Resolution, r.Amount,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload is a convenience wrapper for JSON-encoding op payloads.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
