package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/etl"
)

func txnRecord(key string, date time.Time, amount string) etl.Record {
	d, _ := decimal.NewFromString(amount)
	return etl.Record{
		Key:       key,
		EventDate: date,
		Watermark: etl.WatermarkAt(date.Add(12 * time.Hour)),
		Fields: map[string]any{
			"transaction_id": key,
			"txn_date":       date,
			"branch_id":      "BR-001",
			"customer_id":    "CUST-00001",
			"product_id":     "PRD-01",
			"channel_id":     "CH-WEB",
			"txn_type":       "DEPOSIT",
			"amount":         d,
			"status":         "COMPLETED",
			"is_weekend":     false,
		},
	}
}

func TestMemoryUpsertFactInsertThenUpdate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	table, _ := TableFor("transaction_fact")
	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	out, err := tx.UpsertFact(ctx, table, "transaction_fact_y2023m03", txnRecord("TXN-1", date, "100.00"))
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	// Same key again with a changed mutable column.
	rec := txnRecord("TXN-1", date, "100.00")
	rec.Fields["status"] = "FAILED"
	out, err = tx.UpsertFact(ctx, table, "transaction_fact_y2023m03", rec)
	require.NoError(t, err)
	require.Equal(t, Updated, out)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, 1, s.FactCount("transaction_fact"))
	require.Equal(t, "FAILED", s.FactField("transaction_fact", "TXN-1", "status"))
}

func TestMemoryDimensionLastWriterWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	table, _ := TableFor("customer_dim")

	newer := time.Date(2023, 3, 15, 10, 0, 0, 0, time.UTC)
	older := time.Date(2023, 3, 10, 10, 0, 0, 0, time.UTC)

	rec := func(email string, updated time.Time) etl.Record {
		return etl.Record{
			Key:       "CUST-00001",
			EventDate: updated,
			Watermark: etl.WatermarkAt(updated),
			Fields: map[string]any{
				"customer_id":    "CUST-00001",
				"first_name":     "Ada",
				"last_name":      "Byron",
				"email":          email,
				"status":         "ACTIVE",
				"source_updated": updated,
			},
		}
	}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	out, err := tx.UpsertDimension(ctx, table, rec("new@example.com", newer))
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	// A stale CRM row must not clobber the fresher one.
	out, err = tx.UpsertDimension(ctx, table, rec("stale@example.com", older))
	require.NoError(t, err)
	require.Equal(t, Skipped, out)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, "new@example.com", s.DimensionField("customer_dim", "CUST-00001", "email"))
}

func TestMemoryWatermarkOnlyAdvancesAtCommit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := etl.WatermarkAt(time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact", w))

	// Not visible before commit.
	got, err := s.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	require.NoError(t, tx.Commit(ctx))
	got, err = s.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.Equal(w))
}

func TestMemoryWatermarkIsMonotonic(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	high := etl.WatermarkAt(time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	low := etl.WatermarkAt(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC))

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact", high))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx)
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact", low))
	require.NoError(t, tx.Commit(ctx))

	got, err := s.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.Equal(high), "watermark regressed to %s", got)
}

func TestMemoryRollbackDiscardsWatermarkButKeepsRows(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	table, _ := TableFor("transaction_fact")
	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)

	tx, _ := s.Begin(ctx)
	_, err := tx.UpsertFact(ctx, table, "transaction_fact_y2023m03", txnRecord("TXN-1", date, "50.00"))
	require.NoError(t, err)
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact",
		etl.WatermarkAt(date)))
	require.NoError(t, tx.Rollback(ctx))

	// The store has no multi-statement atomicity: the row stays, the
	// watermark does not move. That is the partial-write state the load
	// coordinator recovers from.
	require.Equal(t, 1, s.FactCount("transaction_fact"))
	got, err := s.LoadWatermark(ctx, "corebank", "transaction_fact")
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestMemoryCreatePartitionConflicts(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	march := etl.Partition{
		Table: "transaction_fact",
		Name:  "transaction_fact_y2023m03",
		Start: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	created, err := s.CreatePartition(ctx, march)
	require.NoError(t, err)
	require.True(t, created)

	// Identical range is not an error, just not created again.
	created, err = s.CreatePartition(ctx, march)
	require.NoError(t, err)
	require.False(t, created)

	// Overlapping but non-identical range is a hard error.
	overlap := etl.Partition{
		Table: "transaction_fact",
		Name:  "transaction_fact_custom",
		Start: time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	_, err = s.CreatePartition(ctx, overlap)
	require.Error(t, err)
}

func TestMemoryDownFailsWithStorageError(t *testing.T) {
	s := NewMemory()
	s.Down = true

	_, err := s.LoadWatermark(context.Background(), "corebank", "transaction_fact")
	require.Error(t, err)
	require.True(t, errors.Is(err, etl.ErrStorageUnavailable))
}

func TestMemoryAggregateReplaceAndMerge(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	spec := AggregateSpec{
		Name:         "branch_monthly_summary",
		Fact:         "transaction_fact",
		GroupBy:      []string{"branch_id"},
		AmountColumn: "amount",
	}
	march := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	at := etl.WatermarkAt(time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC))

	rows := []AggregateRow{
		{Keys: []string{"BR-001"}, Month: march, Count: 2, Total: decimal.RequireFromString("300.00")},
	}
	require.NoError(t, s.ReplaceAggregate(ctx, spec, rows, at))

	got, err := s.AggregateRows(ctx, spec)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Total.Equal(decimal.RequireFromString("300.00")))

	w, err := s.RefreshWatermark(ctx, spec.Name)
	require.NoError(t, err)
	require.True(t, w.Equal(at))

	// Merge upserts one group and leaves the rest alone.
	merge := []AggregateRow{
		{Keys: []string{"BR-002"}, Month: march, Count: 1, Total: decimal.RequireFromString("42.00")},
	}
	later := etl.WatermarkAt(time.Date(2023, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.MergeAggregate(ctx, spec, merge, later))

	got, err = s.AggregateRows(ctx, spec)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
