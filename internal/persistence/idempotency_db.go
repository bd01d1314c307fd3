package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dbLookupTimeout bounds the tier-2 dedup query so a slow database cannot
// stall the single-threaded engine.
const dbLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the engine's tier-2 dedup lookup. It
// answers from the durable operation log when the in-memory LRU has
// already evicted a key.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an operation with this type and key was
// already applied and logged.
func (pic *PostgresIdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbLookupTimeout)
	defer cancel()

	var one int
	err := pic.db.QueryRowContext(ctx, `
        SELECT 1
        FROM op_log.operations
        WHERE op_type = $1 AND idempotency_key = $2
        LIMIT 1
    `, opType, idempotencyKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns composite dedup keys, newest first, for warming the
// in-memory LRU on restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
        SELECT op_type || ':' || idempotency_key
        FROM op_log.operations
        ORDER BY sequence DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
