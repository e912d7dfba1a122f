package partition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

func TestNameFor(t *testing.T) {
	got := NameFor("transaction_fact", time.Date(2023, 3, 15, 10, 0, 0, 0, time.UTC))
	require.Equal(t, "transaction_fact_y2023m03", got)
}

func TestEnsureCreatesMonthlyRange(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{})
	ctx := context.Background()

	p, err := m.Ensure(ctx, "transaction_fact", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "transaction_fact_y2023m03", p.Name)
	require.Equal(t, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), p.Start)
	require.Equal(t, time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC), p.End)
}

func TestEnsureSameMonthIsIdempotent(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "transaction_fact", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "transaction_fact", time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 1)
}

func TestEnsureDifferentMonthsAreDistinct(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "transaction_fact", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "transaction_fact", time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "transaction_fact_y2023m02", parts[0].Name)
	require.Equal(t, "transaction_fact_y2023m03", parts[1].Name)
}

func TestRouteWithoutAutoCreateFails(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{AutoCreate: false})
	ctx := context.Background()

	_, err := m.Route(ctx, "transaction_fact", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	require.True(t, errors.Is(err, etl.ErrNoPartitionForDate))
}

func TestRouteWithAutoCreate(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{AutoCreate: true})
	ctx := context.Background()

	p, err := m.Route(ctx, "transaction_fact", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "transaction_fact_y2023m03", p.Name)

	// Second route hits the existing partition.
	again, err := m.Route(ctx, "transaction_fact", time.Date(2023, 3, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, p.Name, again.Name)
}

func TestMaintainCreatesLookAhead(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{AheadMonths: 2})
	ctx := context.Background()

	now := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Maintain(ctx, "transaction_fact", now))

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, "transaction_fact_y2023m03", parts[0].Name)
	require.Equal(t, "transaction_fact_y2023m04", parts[1].Name)
	require.Equal(t, "transaction_fact_y2023m05", parts[2].Name)
}

func TestMaintainRetiresExpired(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{RetentionMonths: 12})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "transaction_fact", time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "transaction_fact", time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	now := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Maintain(ctx, "transaction_fact", now))

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name
	}
	require.NotContains(t, names, "transaction_fact_y2021m06")
	require.Contains(t, names, "transaction_fact_y2023m02")
}

func TestMaintainKeepsWatermarkPartition(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{RetentionMonths: 12})
	ctx := context.Background()

	// Two expired ranges; the newer one is where corebank's load
	// watermark still points.
	_, err := m.Ensure(ctx, "transaction_fact", time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "transaction_fact", time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	w := etl.WatermarkAt(time.Date(2021, 6, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, tx.SetLoadWatermark(ctx, "corebank", "transaction_fact", w))
	require.NoError(t, tx.Commit(ctx))

	now := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Maintain(ctx, "transaction_fact", now))

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name
	}
	require.NotContains(t, names, "transaction_fact_y2021m05")
	require.Contains(t, names, "transaction_fact_y2021m06")
}

func TestMaintainIgnoresOtherTableWatermarks(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{RetentionMonths: 12})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "transaction_fact", time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// A watermark on a different table must not pin this table's range.
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	w := etl.WatermarkAt(time.Date(2021, 6, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, tx.SetLoadWatermark(ctx, "loans", "loan_fact", w))
	require.NoError(t, tx.Commit(ctx))

	now := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Maintain(ctx, "transaction_fact", now))

	parts, err := store.Partitions(ctx, "transaction_fact")
	require.NoError(t, err)
	for _, p := range parts {
		require.NotEqual(t, "transaction_fact_y2021m06", p.Name)
	}
}

func TestRetireUnknownPartition(t *testing.T) {
	store := warehouse.NewMemory()
	m := NewManager(store, Policy{})

	err := m.Retire(context.Background(), "transaction_fact", "transaction_fact_y2020m01")
	require.Error(t, err)
}
