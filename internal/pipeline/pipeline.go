// Package pipeline runs one source's extract, stage, validate, load cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/load"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/source"
	"github.com/meridianbank/bankdw/internal/staging"
	"github.com/meridianbank/bankdw/internal/validate"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

// CycleResult summarizes one completed pipeline cycle.
type CycleResult struct {
	Source    string
	Table     string
	Extracted int
	Rejected  int
	Loaded    etl.LoadResult
	Report    validate.Report
}

// Pipeline drives one source through the warehouse.
type Pipeline struct {
	adapter   source.Adapter
	buffer    *staging.Buffer
	validator *validate.Validator
	loader    *load.Coordinator
	store     warehouse.Store
}

func New(adapter source.Adapter, buffer *staging.Buffer, validator *validate.Validator, loader *load.Coordinator, store warehouse.Store) *Pipeline {
	return &Pipeline{
		adapter:   adapter,
		buffer:    buffer,
		validator: validator,
		loader:    loader,
		store:     store,
	}
}

func (p *Pipeline) Source() string { return p.adapter.Name() }

// RunCycle performs one full cycle for the source. A batch left staged by an
// earlier interrupted cycle is resumed instead of extracting again; the
// watermark disciplines in the loader make the resume idempotent.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Source: p.adapter.Name(), Table: p.adapter.Table()}

	batch, resumed, err := p.nextBatch(ctx)
	if err != nil {
		return res, err
	}
	if batch.Empty() {
		logging.Debug().Str("source", res.Source).Msg("Nothing to extract")
		return res, nil
	}
	res.Extracted = len(batch.Records)
	if resumed {
		logging.Info().
			Str("source", res.Source).
			Str("batch", batch.ID.String()).
			Msg("Resuming staged batch")
	}

	vres, verr := p.validator.Run(ctx, batch)
	res.Report = vres.Report
	res.Rejected = len(vres.Rejects)

	if len(vres.Rejects) > 0 {
		if err := p.store.SaveRejects(ctx, batch.Table, batch.ID, vres.Rejects); err != nil {
			return res, fmt.Errorf("save rejects: %w", err)
		}
	}

	var qerr *etl.QualityThresholdError
	if errors.As(verr, &qerr) {
		// The batch is bad wholesale. Drop it so the next cycle
		// re-extracts; the watermark has not moved.
		_ = p.buffer.Discard(batch.ID)
		logging.Error().
			Str("source", res.Source).
			Str("batch", batch.ID.String()).
			Int("rejected", qerr.Rejected).
			Int("total", qerr.Total).
			Msg("Batch rejected wholesale")
		return res, verr
	}
	if verr != nil {
		return res, verr
	}

	clean := *batch
	clean.Records = vres.Clean

	loaded, err := p.loader.Load(ctx, &clean)
	if err != nil {
		// Leave the batch staged; a retry resumes it.
		return res, err
	}
	res.Loaded = loaded

	if err := p.buffer.Commit(batch.ID); err != nil {
		return res, err
	}
	return res, nil
}

// nextBatch returns the staged batch when one is in flight, otherwise
// extracts a fresh one and stages it.
func (p *Pipeline) nextBatch(ctx context.Context) (*etl.Batch, bool, error) {
	if staged, ok := p.buffer.Peek(p.adapter.Name(), p.adapter.Cadence()); ok {
		return staged, true, nil
	}

	since, err := p.store.LoadWatermark(ctx, p.adapter.Name(), p.adapter.Table())
	if err != nil {
		return nil, false, err
	}

	batch, err := p.extract(ctx, since)
	if err != nil {
		return nil, false, err
	}
	if batch.Empty() {
		return batch, false, nil
	}
	if err := p.buffer.Stage(batch); err != nil {
		return nil, false, err
	}
	return batch, false, nil
}

// extract calls the adapter under its configured time bound. A source that
// exceeds the bound surfaces as unavailable so the scheduler's retry and
// backoff path handles it instead of the run hanging on one feed.
func (p *Pipeline) extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error) {
	ectx := ctx
	if d := p.adapter.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	batch, err := p.adapter.Extract(ectx, since)
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ectx.Err(), context.DeadlineExceeded)) {
			return nil, fmt.Errorf("%w: source %s: extraction exceeded %s",
				etl.ErrSourceUnavailable, p.adapter.Name(), p.adapter.Timeout())
		}
		return nil, fmt.Errorf("extract %s: %w", p.adapter.Name(), err)
	}
	return batch, nil
}
