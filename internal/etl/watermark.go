package etl

import "time"

// Watermark marks a position in a source's change stream. It is a UTC
// timestamp; sources whose native position is a sequence or file offset map
// that position onto record timestamps. The recorded watermark for a
// (source, table) pair is monotonically non-decreasing: a batch whose high
// watermark is at or before the recorded value has already been applied.
type Watermark time.Time

// Zero is the watermark before any data has been extracted.
var Zero = Watermark(time.Time{})

// WatermarkAt returns the watermark for the given instant, normalized to UTC.
func WatermarkAt(t time.Time) Watermark {
	return Watermark(t.UTC())
}

// Time returns the watermark as a time.Time.
func (w Watermark) Time() time.Time {
	return time.Time(w)
}

// IsZero reports whether the watermark precedes all data.
func (w Watermark) IsZero() bool {
	return time.Time(w).IsZero()
}

// After reports whether w is strictly after other.
func (w Watermark) After(other Watermark) bool {
	return time.Time(w).After(time.Time(other))
}

// Before reports whether w is strictly before other.
func (w Watermark) Before(other Watermark) bool {
	return time.Time(w).Before(time.Time(other))
}

// Equal reports whether two watermarks denote the same position.
func (w Watermark) Equal(other Watermark) bool {
	return time.Time(w).Equal(time.Time(other))
}

// AtOrBefore reports whether w is at or before other. A batch with
// High.AtOrBefore(recorded) is an idempotent replay and must be a no-op.
func (w Watermark) AtOrBefore(other Watermark) bool {
	return !w.After(other)
}

// String formats the watermark for logs and status output.
func (w Watermark) String() string {
	if w.IsZero() {
		return "-"
	}
	return time.Time(w).UTC().Format(time.RFC3339Nano)
}
