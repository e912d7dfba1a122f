// Package partition manages the lifecycle of date-range partitions on the
// warehouse fact tables: creating them ahead of incoming data, routing
// records to them, and retiring ranges that age out of the retention window.
package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

// Policy controls automatic partition maintenance.
type Policy struct {
	// AutoCreate enables creating missing partitions on demand during a
	// load instead of failing the record.
	AutoCreate bool

	// AheadMonths is how many future months to pre-create beyond the
	// current month when maintaining a table.
	AheadMonths int

	// RetentionMonths retires partitions whose range ended more than this
	// many months ago. Zero keeps everything.
	RetentionMonths int
}

// Manager creates, routes to, and retires monthly partitions. All methods
// are safe for concurrent use; operations on the same table serialize so two
// loads cannot race to create the same range.
type Manager struct {
	store  warehouse.Store
	policy Policy

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

func NewManager(store warehouse.Store, policy Policy) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		tables: make(map[string]*sync.Mutex),
	}
}

// NameFor returns the deterministic partition name covering a date, for
// example transaction_fact_y2023m03.
func NameFor(table string, date time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", table, date.Year(), int(date.Month()))
}

// Truncate returns the first instant of the month containing date.
func Truncate(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RangeFor returns the month-aligned [start, end) range covering a date.
func RangeFor(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Ensure guarantees the partition covering date exists on table, creating it
// when missing. It returns the partition either way. Calling it twice with
// dates in the same month creates a single partition.
func (m *Manager) Ensure(ctx context.Context, table string, date time.Time) (etl.Partition, error) {
	lock := m.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	start, end := RangeFor(date)
	part := etl.Partition{
		Table: table,
		Name:  NameFor(table, date),
		Start: start,
		End:   end,
	}

	created, err := m.store.CreatePartition(ctx, part)
	if err != nil {
		return etl.Partition{}, fmt.Errorf("ensure partition %s: %w", part.Name, err)
	}
	if created {
		logging.Info().
			Str("table", table).
			Str("partition", part.Name).
			Str("from", start.Format("2006-01-02")).
			Str("to", end.Format("2006-01-02")).
			Msg("Created partition")
	}
	return part, nil
}

// Route returns the existing partition containing date, or
// etl.ErrNoPartitionForDate when none covers it. When the policy allows
// auto-creation the missing partition is created instead of failing.
func (m *Manager) Route(ctx context.Context, table string, date time.Time) (etl.Partition, error) {
	parts, err := m.store.Partitions(ctx, table)
	if err != nil {
		return etl.Partition{}, err
	}
	for _, p := range parts {
		if p.Contains(date) {
			return p, nil
		}
	}
	if m.policy.AutoCreate {
		return m.Ensure(ctx, table, date)
	}
	return etl.Partition{}, fmt.Errorf("%w: %s on %s",
		etl.ErrNoPartitionForDate, date.Format("2006-01-02"), table)
}

// Maintain pre-creates partitions for the current month and the configured
// number of months ahead, then retires ranges past retention. now is taken
// as a parameter so maintenance windows are reproducible.
func (m *Manager) Maintain(ctx context.Context, table string, now time.Time) error {
	for i := 0; i <= m.policy.AheadMonths; i++ {
		if _, err := m.Ensure(ctx, table, now.AddDate(0, i, 0)); err != nil {
			return err
		}
	}
	if m.policy.RetentionMonths > 0 {
		return m.retireExpired(ctx, table, now)
	}
	return nil
}

// Retire detaches the named partition from its table. The detached data is
// no longer visible to queries but is not dropped.
func (m *Manager) Retire(ctx context.Context, table, name string) error {
	lock := m.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	parts, err := m.store.Partitions(ctx, table)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.Name == name {
			if err := m.store.DetachPartition(ctx, p); err != nil {
				return fmt.Errorf("retire partition %s: %w", name, err)
			}
			logging.Info().
				Str("table", table).
				Str("partition", name).
				Msg("Retired partition")
			return nil
		}
	}
	return fmt.Errorf("no such partition: %s.%s", table, name)
}

func (m *Manager) retireExpired(ctx context.Context, table string, now time.Time) error {
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, -m.policy.RetentionMonths, 0)

	parts, err := m.store.Partitions(ctx, table)
	if err != nil {
		return err
	}
	marks, err := m.store.LoadWatermarks(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.End.After(cutoff) {
			continue
		}
		if holdsWatermark(p, table, marks) {
			logging.Warn().
				Str("table", table).
				Str("partition", p.Name).
				Msg("Retention kept partition holding a load watermark")
			continue
		}
		if err := m.Retire(ctx, table, p.Name); err != nil {
			return err
		}
	}
	return nil
}

// holdsWatermark reports whether a source's load watermark on table points
// into the partition's range. Such a partition is the tail of an active
// incremental feed and must not be retired, however old its range is.
func holdsWatermark(p etl.Partition, table string, marks []warehouse.WatermarkEntry) bool {
	for _, m := range marks {
		if m.Table == table && p.Contains(m.Watermark.Time()) {
			return true
		}
	}
	return false
}

// Coverage reports the partitions on a table ordered by range start.
func (m *Manager) Coverage(ctx context.Context, table string) ([]etl.Partition, error) {
	return m.store.Partitions(ctx, table)
}

func (m *Manager) tableLock(table string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.tables[table]
	if !ok {
		lock = &sync.Mutex{}
		m.tables[table] = lock
	}
	return lock
}
