// Package load writes validated batches into the warehouse. A batch's rows
// and its watermark advance travel in one transaction, so a batch either
// lands fully with the watermark moved or leaves the watermark untouched
// and is safe to replay.
package load

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/partition"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

// Coordinator serializes loads per table and routes fact rows to their
// partitions.
type Coordinator struct {
	store      warehouse.Store
	partitions *partition.Manager

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

func NewCoordinator(store warehouse.Store, partitions *partition.Manager) *Coordinator {
	return &Coordinator{
		store:      store,
		partitions: partitions,
		tables:     make(map[string]*sync.Mutex),
	}
}

// Load writes a batch and advances the source's watermark to the batch
// high-water mark in the same transaction. Replaying a batch whose records
// the warehouse has already seen is a no-op: the watermark makes the load
// skip it entirely, and the keyed upserts make a partial replay converge on
// the same rows.
func (c *Coordinator) Load(ctx context.Context, batch *etl.Batch) (etl.LoadResult, error) {
	table, ok := warehouse.TableFor(batch.Table)
	if !ok {
		return etl.LoadResult{}, fmt.Errorf("unknown table: %s", batch.Table)
	}

	lock := c.tableLock(batch.Table)
	lock.Lock()
	defer lock.Unlock()

	recorded, err := c.store.LoadWatermark(ctx, batch.Source, batch.Table)
	if err != nil {
		return etl.LoadResult{}, c.storage(err)
	}
	if !batch.Empty() && batch.High.AtOrBefore(recorded) {
		logging.Info().
			Str("source", batch.Source).
			Str("table", batch.Table).
			Str("batch", batch.ID.String()).
			Time("watermark", recorded.Time()).
			Msg("Batch at or behind watermark, skipping")
		return etl.LoadResult{Skipped: len(batch.Records)}, nil
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return etl.LoadResult{}, c.storage(err)
	}

	result, err := c.apply(ctx, tx, table, batch)
	if err != nil {
		_ = tx.Rollback(ctx)
		return etl.LoadResult{}, err
	}

	if err := tx.SetLoadWatermark(ctx, batch.Source, batch.Table, batch.High); err != nil {
		_ = tx.Rollback(ctx)
		return etl.LoadResult{}, c.storage(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return etl.LoadResult{}, c.storage(err)
	}

	logging.Info().
		Str("source", batch.Source).
		Str("table", batch.Table).
		Str("batch", batch.ID.String()).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Time("watermark", batch.High.Time()).
		Msg("Batch loaded")
	return result, nil
}

func (c *Coordinator) apply(ctx context.Context, tx warehouse.Tx, table warehouse.Table, batch *etl.Batch) (etl.LoadResult, error) {
	var result etl.LoadResult
	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var (
			outcome warehouse.UpsertOutcome
			err     error
		)
		if table.Kind == warehouse.Fact {
			part, perr := c.partitions.Route(ctx, table.Name, rec.EventDate)
			if perr != nil {
				return result, perr
			}
			outcome, err = tx.UpsertFact(ctx, table, part.Name, rec)
		} else {
			outcome, err = tx.UpsertDimension(ctx, table, rec)
		}
		if err != nil {
			return result, c.storage(fmt.Errorf("upsert %s/%s: %w", table.Name, rec.Key, err))
		}

		switch outcome {
		case warehouse.Inserted:
			result.Inserted++
		case warehouse.Updated:
			result.Updated++
		case warehouse.Skipped:
			result.Skipped++
		}
	}
	return result, nil
}

// storage tags store failures as retryable unless they already carry a
// taxonomy error.
func (c *Coordinator) storage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, etl.ErrStorageUnavailable) ||
		errors.Is(err, etl.ErrNoPartitionForDate) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", etl.ErrStorageUnavailable, err)
}

func (c *Coordinator) tableLock(table string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.tables[table]
	if !ok {
		lock = &sync.Mutex{}
		c.tables[table] = lock
	}
	return lock
}
