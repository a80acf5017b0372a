package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arbiter/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Fatalf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"

	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	repo := &PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate schema: %s", err)
	}

	code := m.Run()

	os.Exit(code)
}

func completedResult(tradeID string) model.ExecutionResult {
	started := time.Now().Add(-time.Second).UTC().Truncate(time.Millisecond)
	return model.ExecutionResult{
		TradeID:       tradeID,
		Status:        model.StatusCompleted,
		Profit:        1.994,
		ProfitPercent: 0.1994,
		StartedAt:     started,
		FinishedAt:    started.Add(400 * time.Millisecond),
		Legs: []model.LegResult{
			{
				Leg:           model.Leg{Pair: model.AssetPair{Base: "BTC", Quote: "USDT"}, Action: model.ActionBuy, Price: 50050},
				Venue:         "binance",
				InputAmount:   1000,
				ResultAmount:  0.01998,
				RealizedPrice: 50000,
				OrderID:       "ord-1",
				Fill:          model.FillReal,
			},
			{
				Leg:           model.Leg{Pair: model.AssetPair{Base: "BTC", Quote: "USDT"}, Action: model.ActionSell, Price: 50149.8},
				Venue:         "kraken",
				InputAmount:   0.01998,
				ResultAmount:  1001.994,
				RealizedPrice: 50200,
				OrderID:       "ord-2",
				Fill:          model.FillSimulated,
			},
		},
	}
}

func TestPostgresRepository_SaveResult(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	result := completedResult("trade-save-1")
	require.NoError(t, repo.SaveResult(ctx, result))

	var status, failureReason string
	var profit, profitPercent float64
	err := pool.QueryRow(ctx,
		"SELECT status, profit, profit_percent, failure_reason FROM trades WHERE trade_id = $1",
		result.TradeID).Scan(&status, &profit, &profitPercent, &failureReason)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
	assert.InDelta(t, result.Profit, profit, 1e-9)
	assert.InDelta(t, result.ProfitPercent, profitPercent, 1e-9)
	assert.Empty(t, failureReason)

	rows, err := pool.Query(ctx,
		"SELECT leg_index, venue, pair, action, synthetic, order_id, fill FROM trade_legs WHERE trade_id = $1 ORDER BY leg_index",
		result.TradeID)
	require.NoError(t, err)
	defer rows.Close()

	type legRow struct {
		index     int
		venue     string
		pair      string
		action    string
		synthetic bool
		orderID   string
		fill      string
	}
	var legs []legRow
	for rows.Next() {
		var l legRow
		require.NoError(t, rows.Scan(&l.index, &l.venue, &l.pair, &l.action, &l.synthetic, &l.orderID, &l.fill))
		legs = append(legs, l)
	}
	require.NoError(t, rows.Err())
	require.Len(t, legs, 2)
	assert.Equal(t, legRow{0, "binance", "BTC/USDT", "buy", false, "ord-1", "real"}, legs[0])
	assert.Equal(t, legRow{1, "kraken", "BTC/USDT", "sell", false, "ord-2", "simulated"}, legs[1])
}

func TestPostgresRepository_SaveResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	result := completedResult("trade-save-2")
	require.NoError(t, repo.SaveResult(ctx, result))

	// A retried handoff replaces the record instead of duplicating it.
	result.Legs = result.Legs[:1]
	result.Status = model.StatusFailed
	result.FailureReason = "leg 2 on kraken: order rejected"
	require.NoError(t, repo.SaveResult(ctx, result))

	var tradeCount, legCount int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trades WHERE trade_id = $1", result.TradeID).Scan(&tradeCount))
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trade_legs WHERE trade_id = $1", result.TradeID).Scan(&legCount))
	assert.Equal(t, 1, tradeCount)
	assert.Equal(t, 1, legCount)

	var status, failureReason string
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT status, failure_reason FROM trades WHERE trade_id = $1", result.TradeID).Scan(&status, &failureReason))
	assert.Equal(t, "failed", status)
	assert.Equal(t, "leg 2 on kraken: order rejected", failureReason)
}

func TestPostgresRepository_SaveResultWithoutLegs(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	result := model.ExecutionResult{
		TradeID:       "trade-save-3",
		Status:        model.StatusFailed,
		FailureReason: "validation: profit below minimum",
		StartedAt:     time.Now().UTC(),
		FinishedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.SaveResult(ctx, result))

	var legCount int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trade_legs WHERE trade_id = $1", result.TradeID).Scan(&legCount))
	assert.Equal(t, 0, legCount)
}
