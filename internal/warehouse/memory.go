package warehouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/etl"
)

// Memory implements Store in memory. It backs component tests and models a
// storage engine without multi-statement atomicity: upserts persist as they
// are issued, while the watermark advance only takes effect at commit. An
// interrupted batch therefore leaves partial rows behind with the watermark
// unchanged, which is exactly the crash-recovery path the load coordinator
// must handle.
type Memory struct {
	mu sync.RWMutex

	partitions map[string][]etl.Partition
	facts      map[string]map[string]*memRow
	dims       map[string]map[string]*memRow
	watermarks map[string]etl.Watermark
	rejects    []memReject
	aggregates map[string]map[string]AggregateRow
	refreshed  map[string]etl.Watermark

	// Now supplies the clock; replaceable in tests.
	Now func() time.Time

	// FailUpsertAfter injects a failure on the (n+1)th upsert of a
	// transaction, simulating a crash mid-batch. Zero disables it.
	FailUpsertAfter int

	// Down makes every operation fail with the storage-unavailable error.
	Down bool
}

type memRow struct {
	fields      map[string]any
	partition   string
	lastUpdated time.Time
}

type memReject struct {
	table  string
	batch  uuid.UUID
	reject etl.Reject
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string][]etl.Partition),
		facts:      make(map[string]map[string]*memRow),
		dims:       make(map[string]map[string]*memRow),
		watermarks: make(map[string]etl.Watermark),
		aggregates: make(map[string]map[string]AggregateRow),
		refreshed:  make(map[string]etl.Watermark),
		Now:        time.Now,
	}
}

func (s *Memory) Init(ctx context.Context) error { return s.check() }

func (s *Memory) Close() {}

func (s *Memory) check() error {
	if s.Down {
		return fmt.Errorf("memory store: %w", etl.ErrStorageUnavailable)
	}
	return nil
}

func (s *Memory) CreatePartition(ctx context.Context, p etl.Partition) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.partitions[p.Table] {
		if existing.Start.Equal(p.Start) {
			if existing.Name != p.Name || !existing.End.Equal(p.End) {
				return false, fmt.Errorf("partition range conflict on %s: have %s, want %s",
					p.Table, existing.Name, p.Name)
			}
			return false, nil
		}
		if existing.Overlaps(p) {
			return false, fmt.Errorf("partition %s overlaps existing %s on %s",
				p.Name, existing.Name, p.Table)
		}
	}

	s.partitions[p.Table] = append(s.partitions[p.Table], p)
	sort.Slice(s.partitions[p.Table], func(i, j int) bool {
		return s.partitions[p.Table][i].Start.Before(s.partitions[p.Table][j].Start)
	})
	return true, nil
}

func (s *Memory) Partitions(ctx context.Context, table string) ([]etl.Partition, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]etl.Partition, len(s.partitions[table]))
	copy(out, s.partitions[table])
	return out, nil
}

func (s *Memory) DetachPartition(ctx context.Context, p etl.Partition) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := s.partitions[p.Table]
	for i, existing := range parts {
		if existing.Name == p.Name {
			s.partitions[p.Table] = append(parts[:i:i], parts[i+1:]...)
			// Drop the detached partition's rows from the live table.
			for key, row := range s.facts[p.Table] {
				if row.partition == p.Name {
					delete(s.facts[p.Table], key)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("no such partition: %s.%s", p.Table, p.Name)
}

func (s *Memory) LoadWatermark(ctx context.Context, source, table string) (etl.Watermark, error) {
	if err := s.check(); err != nil {
		return etl.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[source+"|"+table], nil
}

func (s *Memory) LoadWatermarks(ctx context.Context) ([]WatermarkEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []WatermarkEntry
	for k, w := range s.watermarks {
		parts := strings.SplitN(k, "|", 2)
		entries = append(entries, WatermarkEntry{Source: parts[0], Table: parts[1], Watermark: w})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].Table < entries[j].Table
	})
	return entries, nil
}

func (s *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &memTx{store: s, watermarks: make(map[string]etl.Watermark)}, nil
}

func (s *Memory) SaveRejects(ctx context.Context, table string, batch uuid.UUID, rejects []etl.Reject) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rejects {
		s.rejects = append(s.rejects, memReject{table: table, batch: batch, reject: r})
	}
	return nil
}

func (s *Memory) Rejects(ctx context.Context, table string, from, to time.Time) ([]etl.Reject, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []etl.Reject
	for _, r := range s.rejects {
		if r.table == table && !r.reject.RejectedAt.Before(from) && r.reject.RejectedAt.Before(to) {
			out = append(out, r.reject)
		}
	}
	return out, nil
}

func (s *Memory) DimensionExists(ctx context.Context, table, key string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dims[table][key]
	return ok, nil
}

func (s *Memory) RefreshWatermark(ctx context.Context, aggregate string) (etl.Watermark, error) {
	if err := s.check(); err != nil {
		return etl.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshed[aggregate], nil
}

func (s *Memory) StaleGroups(ctx context.Context, spec AggregateSpec, since etl.Watermark) ([]GroupKey, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := TableFor(spec.Fact)
	if !ok {
		return nil, fmt.Errorf("unknown fact table: %s", spec.Fact)
	}

	seen := make(map[string]GroupKey)
	for _, row := range s.facts[spec.Fact] {
		if !row.lastUpdated.After(since.Time()) {
			continue
		}
		g := groupKeyOf(spec, t, row)
		seen[g.ID()] = g
	}
	return sortedGroups(seen), nil
}

func (s *Memory) ComputeGroups(ctx context.Context, spec AggregateSpec, groups []GroupKey) ([]AggregateRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g.ID()] = true
	}
	return s.compute(spec, func(g GroupKey) bool { return wanted[g.ID()] })
}

func (s *Memory) ComputeAll(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.compute(spec, func(GroupKey) bool { return true })
}

func (s *Memory) compute(spec AggregateSpec, include func(GroupKey) bool) ([]AggregateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := TableFor(spec.Fact)
	if !ok {
		return nil, fmt.Errorf("unknown fact table: %s", spec.Fact)
	}

	acc := make(map[string]*AggregateRow)
	for _, row := range s.facts[spec.Fact] {
		g := groupKeyOf(spec, t, row)
		if !include(g) {
			continue
		}
		r, ok := acc[g.ID()]
		if !ok {
			r = &AggregateRow{Keys: g.Keys, Month: g.Month, Total: decimal.Zero}
			acc[g.ID()] = r
		}
		r.Count++
		if d, ok := row.fields[spec.AmountColumn].(decimal.Decimal); ok {
			r.Total = r.Total.Add(d)
		}
	}

	out := make([]AggregateRow, 0, len(acc))
	for _, r := range acc {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().ID() < out[j].Key().ID() })
	return out, nil
}

func (s *Memory) ReplaceAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Build the new snapshot fully, then swap.
	next := make(map[string]AggregateRow, len(rows))
	for _, r := range rows {
		next[r.Key().ID()] = r
	}
	s.aggregates[spec.Name] = next
	s.refreshed[spec.Name] = at
	return nil
}

func (s *Memory) MergeAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := s.aggregates[spec.Name]
	if agg == nil {
		agg = make(map[string]AggregateRow)
		s.aggregates[spec.Name] = agg
	}
	for _, r := range rows {
		agg[r.Key().ID()] = r
	}
	s.refreshed[spec.Name] = at
	return nil
}

func (s *Memory) AggregateRows(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AggregateRow, 0, len(s.aggregates[spec.Name]))
	for _, r := range s.aggregates[spec.Name] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().ID() < out[j].Key().ID() })
	return out, nil
}

// FactCount returns the number of rows in a fact table. Test helper.
func (s *Memory) FactCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts[table])
}

// FactField returns one column of a stored fact row. Test helper.
func (s *Memory) FactField(table, key, column string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.facts[table][key]
	if !ok {
		return nil
	}
	return row.fields[column]
}

// PutDimension seeds a dimension row directly, bypassing the pipeline.
// Test helper.
func (s *Memory) PutDimension(table, key string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dims[table] == nil {
		s.dims[table] = make(map[string]*memRow)
	}
	s.dims[table][key] = &memRow{fields: fields, lastUpdated: s.Now()}
}

// DimensionField returns one column of a stored dimension row. Test helper.
func (s *Memory) DimensionField(table, key, column string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.dims[table][key]
	if !ok {
		return nil
	}
	return row.fields[column]
}

type memTx struct {
	store      *Memory
	upserts    int
	watermarks map[string]etl.Watermark
	done       bool
}

func (t *memTx) UpsertFact(ctx context.Context, table Table, partition string, rec etl.Record) (UpsertOutcome, error) {
	if err := t.begin(); err != nil {
		return Skipped, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.facts[table.Name] == nil {
		s.facts[table.Name] = make(map[string]*memRow)
	}

	row, exists := s.facts[table.Name][rec.Key]
	if !exists {
		s.facts[table.Name][rec.Key] = &memRow{
			fields:      cloneFields(rec.Fields),
			partition:   partition,
			lastUpdated: s.Now(),
		}
		return Inserted, nil
	}

	for _, c := range table.MutableColumns() {
		if v, ok := rec.Fields[c.Name]; ok {
			row.fields[c.Name] = v
		}
	}
	row.lastUpdated = s.Now()
	return Updated, nil
}

func (t *memTx) UpsertDimension(ctx context.Context, table Table, rec etl.Record) (UpsertOutcome, error) {
	if err := t.begin(); err != nil {
		return Skipped, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims[table.Name] == nil {
		s.dims[table.Name] = make(map[string]*memRow)
	}

	row, exists := s.dims[table.Name][rec.Key]
	if !exists {
		s.dims[table.Name][rec.Key] = &memRow{
			fields:      cloneFields(rec.Fields),
			lastUpdated: s.Now(),
		}
		return Inserted, nil
	}

	if older(rec.Fields, row.fields) {
		return Skipped, nil
	}
	for _, c := range table.MutableColumns() {
		if v, ok := rec.Fields[c.Name]; ok {
			row.fields[c.Name] = v
		}
	}
	row.lastUpdated = s.Now()
	return Updated, nil
}

// begin counts upserts and injects the configured mid-batch failure.
func (t *memTx) begin() error {
	if t.store.Down {
		return fmt.Errorf("memory store: %w", etl.ErrStorageUnavailable)
	}
	t.upserts++
	if t.store.FailUpsertAfter > 0 && t.upserts > t.store.FailUpsertAfter {
		return fmt.Errorf("injected storage failure after %d upserts: %w",
			t.store.FailUpsertAfter, etl.ErrStorageUnavailable)
	}
	return nil
}

func (t *memTx) SetLoadWatermark(ctx context.Context, source, table string, w etl.Watermark) error {
	if t.store.Down {
		return fmt.Errorf("memory store: %w", etl.ErrStorageUnavailable)
	}
	t.watermarks[source+"|"+table] = w
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	s := t.store
	if s.Down {
		return fmt.Errorf("memory store: %w", etl.ErrStorageUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range t.watermarks {
		if w.After(s.watermarks[k]) {
			s.watermarks[k] = w
		}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	// Rows applied before the failure stay behind: this store models an
	// engine without multi-statement atomicity. The watermark intent is
	// discarded, which is what makes the replay safe.
	t.done = true
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// older reports whether incoming's source_updated predates stored's.
func older(incoming, stored map[string]any) bool {
	in, ok1 := incoming["source_updated"].(time.Time)
	st, ok2 := stored["source_updated"].(time.Time)
	return ok1 && ok2 && in.Before(st)
}

func groupKeyOf(spec AggregateSpec, t Table, row *memRow) GroupKey {
	keys := make([]string, len(spec.GroupBy))
	for i, col := range spec.GroupBy {
		keys[i], _ = row.fields[col].(string)
	}
	month := time.Time{}
	if d, ok := row.fields[t.DateColumn].(time.Time); ok {
		month = monthOf(d)
	}
	return GroupKey{Keys: keys, Month: month}
}

func monthOf(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func sortedGroups(m map[string]GroupKey) []GroupKey {
	out := make([]GroupKey, 0, len(m))
	for _, g := range m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
