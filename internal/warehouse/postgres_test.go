package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/testutil"
)

// TestPostgresStoreRoundTrip exercises the live store end to end: schema
// creation, partition DDL, keyed upserts, watermark bookkeeping, and the
// aggregate plumbing. Skips unless a PostgreSQL server is reachable.
func TestPostgresStoreRoundTrip(t *testing.T) {
	baseConnStr := testutil.SkipIfNoPostgres(t)

	connStr := testutil.CreateTestDB(t, baseConnStr, "warehouse")
	defer testutil.DropTestDB(t, baseConnStr, testutil.GetDBNameFromConnStr(connStr))

	ctx := context.Background()
	pool, err := db.Connect(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgres(pool)
	require.NoError(t, store.Init(ctx))

	march := etl.Partition{
		Table: "transaction_fact",
		Name:  "transaction_fact_y2023m03",
		Start: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	created, err := store.CreatePartition(ctx, march)
	require.NoError(t, err)
	require.True(t, created)

	// Idempotent re-create.
	created, err = store.CreatePartition(ctx, march)
	require.NoError(t, err)
	require.False(t, created)

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	// Dimension first so the fact's reference resolves.
	dimTable, _ := TableFor("customer_dim")
	factTable, _ := TableFor("transaction_fact")
	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	out, err := tx.UpsertDimension(ctx, dimTable, etl.Record{
		Key:       "CUST-00001",
		EventDate: date,
		Fields: map[string]any{
			"customer_id":    "CUST-00001",
			"first_name":     "Ada",
			"last_name":      "Byron",
			"email":          "ada@example.com",
			"status":         "ACTIVE",
			"source_updated": date,
		},
	})
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	rec := etl.Record{
		Key:       "TXN-1",
		EventDate: date,
		Fields: map[string]any{
			"transaction_id": "TXN-1",
			"txn_date":       date,
			"branch_id":      "BR-001",
			"customer_id":    "CUST-00001",
			"product_id":     "PRD-01",
			"channel_id":     "CH-WEB",
			"txn_type":       "DEPOSIT",
			"amount":         decimal.RequireFromString("100.00"),
			"status":         "COMPLETED",
			"is_weekend":     false,
		},
	}
	out, err = tx.UpsertFact(ctx, factTable, march.Name, rec)
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	// Replay is an update, not a duplicate.
	out, err = tx.UpsertFact(ctx, factTable, march.Name, rec)
	require.NoError(t, err)
	require.Equal(t, Updated, out)

	w := etl.WatermarkAt(date.Add(20 * time.Hour))
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact", w))
	require.NoError(t, tx.Commit(ctx))

	got, err := store.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.Equal(w))

	var count int64
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM transaction_fact").Scan(&count))
	require.Equal(t, int64(1), count)

	exists, err := store.DimensionExists(ctx, "customer_dim", "CUST-00001")
	require.NoError(t, err)
	require.True(t, exists)

	// A lower watermark must not regress the recorded one.
	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact",
		etl.WatermarkAt(date)))
	require.NoError(t, tx.Commit(ctx))

	got, err = store.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.Equal(w))

	// Aggregates over the loaded fact.
	spec := AggregateSpec{
		Name:         "branch_monthly_summary",
		Fact:         "transaction_fact",
		GroupBy:      []string{"branch_id"},
		AmountColumn: "amount",
	}
	rows, err := store.ComputeAll(ctx, spec)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].Count)
	require.True(t, rows[0].Total.Equal(decimal.RequireFromString("100.00")))

	require.NoError(t, store.ReplaceAggregate(ctx, spec, rows, etl.WatermarkAt(time.Now())))
	stored, err := store.AggregateRows(ctx, spec)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// Detach drops the partition from query scope.
	require.NoError(t, store.DetachPartition(ctx, march))
	parts, err = store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 0)

	// Recreating the retired range re-attaches the archived child with
	// its rows, so loads for that range work again.
	created, err = store.CreatePartition(ctx, march)
	require.NoError(t, err)
	require.True(t, created)

	parts, err = store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	var reattachedCount int
	err = pool.QueryRow(ctx, "SELECT count(*) FROM transaction_fact").Scan(&reattachedCount)
	require.NoError(t, err)
	require.Equal(t, 1, reattachedCount)
}
