// Package warehouse defines the storage contract the ETL core issues its
// partition-create, upsert, and aggregate-refresh operations against, plus
// the table metadata that drives validation and upsert generation. Any
// storage engine supporting range-partitioned tables, idempotent upsert by
// natural key, and atomic multi-statement transactions can implement it.
package warehouse

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/etl"
)

// UpsertOutcome classifies the effect of one upsert.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Updated
	Skipped
)

// WatermarkEntry is one recorded load watermark.
type WatermarkEntry struct {
	Source    string
	Table     string
	Watermark etl.Watermark
	UpdatedAt time.Time
}

// AggregateSpec describes a derived monthly summary over a fact table:
// grouped by the listed dimension keys plus the calendar month of the fact's
// date column, measuring row count and the sum of the amount column.
type AggregateSpec struct {
	Name         string
	Fact         string
	GroupBy      []string
	AmountColumn string
}

// GroupKey identifies one aggregate group.
type GroupKey struct {
	Keys  []string // aligned with AggregateSpec.GroupBy
	Month time.Time
}

// ID returns a stable identifier for the group.
func (g GroupKey) ID() string {
	return strings.Join(g.Keys, "|") + "|" + g.Month.UTC().Format("2006-01")
}

// AggregateRow is one computed aggregate group.
type AggregateRow struct {
	Keys  []string
	Month time.Time
	Count int64
	Total decimal.Decimal
}

// Key returns the row's group key.
func (r AggregateRow) Key() GroupKey {
	return GroupKey{Keys: r.Keys, Month: r.Month}
}

// Store is the warehouse storage engine contract.
type Store interface {
	// Init creates the warehouse schema, bookkeeping tables, and
	// aggregate tables if they do not exist.
	Init(ctx context.Context) error

	// CreatePartition creates the partition if its range key does not
	// exist. It reports whether a partition was created; requesting an
	// already-existing identical range is not an error, while a range
	// overlapping a different existing partition is. A range retired
	// earlier is brought back (re-attached or recreated) and reported as
	// created.
	CreatePartition(ctx context.Context, p etl.Partition) (bool, error)

	// Partitions lists the partitions of a table ordered by range start.
	Partitions(ctx context.Context, table string) ([]etl.Partition, error)

	// DetachPartition detaches and archives one partition.
	DetachPartition(ctx context.Context, p etl.Partition) error

	// LoadWatermark returns the recorded watermark for (source, table),
	// or the zero watermark if none has been recorded.
	LoadWatermark(ctx context.Context, source, table string) (etl.Watermark, error)

	// LoadWatermarks lists every recorded watermark.
	LoadWatermarks(ctx context.Context) ([]WatermarkEntry, error)

	// Begin opens the failure-atomic unit a batch is applied within.
	Begin(ctx context.Context) (Tx, error)

	// SaveRejects retains rejected records with their reasons.
	SaveRejects(ctx context.Context, table string, batch uuid.UUID, rejects []etl.Reject) error

	// Rejects lists retained rejects for a table within a time window.
	Rejects(ctx context.Context, table string, from, to time.Time) ([]etl.Reject, error)

	// DimensionExists reports whether a dimension row with the given
	// natural key exists. Used for referential validation.
	DimensionExists(ctx context.Context, table, key string) (bool, error)

	// RefreshWatermark returns the load-time instant up to which the
	// named aggregate reflects fact rows.
	RefreshWatermark(ctx context.Context, aggregate string) (etl.Watermark, error)

	// StaleGroups returns the groups containing fact rows written after
	// the given instant.
	StaleGroups(ctx context.Context, spec AggregateSpec, since etl.Watermark) ([]GroupKey, error)

	// ComputeGroups recomputes the listed groups from the fact table.
	ComputeGroups(ctx context.Context, spec AggregateSpec, groups []GroupKey) ([]AggregateRow, error)

	// ComputeAll recomputes every group from the fact table.
	ComputeAll(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error)

	// ReplaceAggregate swaps the aggregate's contents wholesale and
	// records the refresh watermark. The previous snapshot stays
	// queryable until the swap commits.
	ReplaceAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error

	// MergeAggregate upserts the given rows into the aggregate and
	// records the refresh watermark.
	MergeAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error

	// AggregateRows returns the aggregate's current contents.
	AggregateRows(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error)

	// Close releases the store's resources.
	Close()
}

// Tx is the failure-atomic unit one batch is applied within: the row
// upserts and the watermark advance either all persist or none do. A
// partial application that never commits is the recovery path, not a bug:
// replaying the batch is safe because upserts are idempotent and the
// watermark has not moved.
type Tx interface {
	// UpsertFact inserts the record into the given partition of a fact
	// table, or updates the mutable columns of the existing row with the
	// same natural key and bumps last_updated.
	UpsertFact(ctx context.Context, table Table, partition string, rec etl.Record) (UpsertOutcome, error)

	// UpsertDimension inserts or updates a dimension row. Conflicting
	// updates from different sources resolve last-writer-wins by the
	// record's source_updated timestamp: an incoming row older than the
	// stored one is skipped.
	UpsertDimension(ctx context.Context, table Table, rec etl.Record) (UpsertOutcome, error)

	// SetLoadWatermark records the watermark advance; it takes effect at
	// commit together with the batch's row effects.
	SetLoadWatermark(ctx context.Context, source, table string, w etl.Watermark) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
