package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/model"
)

// Repository is the trade history collaborator: it receives finalized
// execution results keyed by trade id and is the only component responsible
// for durable storage.
type Repository interface {
	SaveResult(ctx context.Context, result model.ExecutionResult) error
	Migrate(ctx context.Context) error
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id       TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	profit         NUMERIC(30, 12) NOT NULL,
	profit_percent NUMERIC(30, 12) NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_legs (
	id             SERIAL PRIMARY KEY,
	trade_id       TEXT NOT NULL REFERENCES trades (trade_id),
	leg_index      INT NOT NULL,
	venue          TEXT NOT NULL,
	pair           TEXT NOT NULL,
	action         TEXT NOT NULL,
	synthetic      BOOLEAN NOT NULL,
	input_amount   NUMERIC(30, 12) NOT NULL,
	result_amount  NUMERIC(30, 12) NOT NULL,
	realized_price NUMERIC(30, 12) NOT NULL,
	order_id       TEXT NOT NULL,
	fill           TEXT NOT NULL,
	UNIQUE (trade_id, leg_index)
);`

// Migrate creates the history tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// SaveResult stores a finalized execution result and its legs in one
// transaction. Saving the same trade id again replaces the record, so a
// retried handoff stays idempotent.
func (r *PostgresRepository) SaveResult(ctx context.Context, result model.ExecutionResult) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save trade %s: %w", result.TradeID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trades (trade_id, status, profit, profit_percent, failure_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = EXCLUDED.status,
			profit = EXCLUDED.profit,
			profit_percent = EXCLUDED.profit_percent,
			failure_reason = EXCLUDED.failure_reason,
			finished_at = EXCLUDED.finished_at`,
		result.TradeID, string(result.Status), result.Profit, result.ProfitPercent,
		result.FailureReason, result.StartedAt, result.FinishedAt)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", result.TradeID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM trade_legs WHERE trade_id = $1`, result.TradeID); err != nil {
		return fmt.Errorf("clear legs for trade %s: %w", result.TradeID, err)
	}
	for i, leg := range result.Legs {
		_, err = tx.Exec(ctx, `
			INSERT INTO trade_legs (trade_id, leg_index, venue, pair, action, synthetic,
				input_amount, result_amount, realized_price, order_id, fill)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			result.TradeID, i, leg.Venue, leg.Leg.Pair.String(), string(leg.Leg.Action),
			leg.Leg.Synthetic, leg.InputAmount, leg.ResultAmount, leg.RealizedPrice,
			leg.OrderID, string(leg.Fill))
		if err != nil {
			return fmt.Errorf("save leg %d of trade %s: %w", i, result.TradeID, err)
		}
	}

	return tx.Commit(ctx)
}
