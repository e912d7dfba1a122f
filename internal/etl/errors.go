package etl

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors forming the pipeline error taxonomy. Retryable errors are
// retried by the scheduler with bounded backoff; the rest surface to the
// operator.
var (
	// ErrSourceUnavailable indicates a transient connectivity failure
	// talking to a source system. Retryable.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStorageUnavailable indicates the warehouse storage engine could
	// not be reached. The batch was not applied and the watermark is
	// unchanged. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoPartitionForDate indicates a record's event date has no
	// partition: either the date precedes the earliest retained partition
	// or auto-creation is disabled.
	ErrNoPartitionForDate = errors.New("no partition for date")

	// ErrBatchInFlight indicates another batch for the same (source,
	// cadence) is already being processed.
	ErrBatchInFlight = errors.New("batch already in flight for source")
)

// SchemaMismatchError indicates a source returned data of an unexpected
// shape. Non-retryable: the adapter or the source schema needs fixing.
type SchemaMismatchError struct {
	Source string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("source %s schema mismatch: %s", e.Source, e.Detail)
}

// QualityThresholdError indicates a batch's rejection rate exceeded the
// configured threshold. The whole batch is held back and the watermark is
// not advanced; the batch is safe to re-submit after operator review.
type QualityThresholdError struct {
	BatchID   uuid.UUID
	Rejected  int
	Total     int
	Threshold float64
}

func (e *QualityThresholdError) Error() string {
	return fmt.Sprintf("batch %s rejected %d of %d records (%.1f%%), above threshold %.1f%%",
		e.BatchID, e.Rejected, e.Total,
		100*float64(e.Rejected)/float64(e.Total), 100*e.Threshold)
}

// Retryable reports whether the scheduler may retry the failed stage
// without operator intervention.
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrStorageUnavailable)
}
