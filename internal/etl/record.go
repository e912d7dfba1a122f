// Package etl defines the data model shared by the extraction, validation,
// load, and refresh stages: records, batches, watermarks, partitions, and
// the pipeline error taxonomy.
package etl

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cadence is the extraction schedule for a source.
type Cadence string

const (
	Daily     Cadence = "daily"
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	Quarterly Cadence = "quarterly"
)

// Valid reports whether the cadence is one of the known schedules.
func (c Cadence) Valid() bool {
	switch c {
	case Daily, Weekly, Monthly, Quarterly:
		return true
	}
	return false
}

// Interval returns the nominal duration between extractions at this cadence.
func (c Cadence) Interval() time.Duration {
	switch c {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	case Quarterly:
		return 91 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Record is a single business event or state snapshot extracted from a
// source system: one transaction, one customer update, one ATM journal line.
type Record struct {
	// Key is the natural key of the record in the source system
	// (transaction_id, customer_id, ...). Upserts are keyed on it.
	Key string

	// EventDate is the logical business date of the event. It determines
	// the partition a fact row belongs to.
	EventDate time.Time

	// Fields is the typed payload, keyed by warehouse column name.
	Fields map[string]any

	// Watermark is the source position at which this record was observed.
	Watermark Watermark
}

// Str returns a string field, or "" if absent or not a string.
func (r Record) Str(name string) string {
	s, _ := r.Fields[name].(string)
	return s
}

// Int64 returns an integer field, or 0 if absent.
func (r Record) Int64(name string) int64 {
	switch v := r.Fields[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Decimal returns a decimal field, or zero if absent or not a decimal.
func (r Record) Decimal(name string) decimal.Decimal {
	d, _ := r.Fields[name].(decimal.Decimal)
	return d
}

// Batch is an ordered, bounded set of records produced by one extraction
// call. Batches are immutable once staged.
type Batch struct {
	ID          uuid.UUID
	Source      string
	Cadence     Cadence
	Table       string
	ExtractedAt time.Time
	Low, High   Watermark
	Records     []Record
}

// NewBatch builds a batch from extracted records, deriving the watermark
// range from the records themselves.
func NewBatch(source string, cadence Cadence, table string, since Watermark, records []Record) *Batch {
	b := &Batch{
		ID:          uuid.New(),
		Source:      source,
		Cadence:     cadence,
		Table:       table,
		ExtractedAt: time.Now().UTC(),
		Low:         since,
		High:        since,
		Records:     records,
	}
	for _, r := range records {
		if r.Watermark.After(b.High) {
			b.High = r.Watermark
		}
	}
	return b
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Records) == 0
}

func (b *Batch) String() string {
	return fmt.Sprintf("%s/%s batch %s (%d records, high %s)",
		b.Source, b.Table, b.ID, len(b.Records), b.High)
}

// Reject is a record that failed validation, retained with its reason.
// Rejected records never reach the warehouse.
type Reject struct {
	Record     Record
	Rule       string
	Reason     string
	RejectedAt time.Time
}

// Partition is a contiguous, half-open date range [Start, End) of a
// partitioned table. The name is derived deterministically from the range
// start, so concurrent creators converge on the same partition.
type Partition struct {
	Table string
	Name  string
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls within [Start, End).
func (p Partition) Contains(d time.Time) bool {
	return !d.Before(p.Start) && d.Before(p.End)
}

// Overlaps reports whether two ranges intersect.
func (p Partition) Overlaps(other Partition) bool {
	return p.Start.Before(other.End) && other.Start.Before(p.End)
}

// LoadResult summarizes the effect of applying one batch.
type LoadResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Total returns the number of records accounted for.
func (r LoadResult) Total() int {
	return r.Inserted + r.Updated + r.Skipped
}
