// Package staging holds extracted batches between extraction and load. A
// batch stays staged until the load coordinator commits it (loaded and
// watermarked) or discards it (rejected wholesale). At most one batch per
// source and cadence may be in flight at a time.
package staging

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianbank/bankdw/internal/etl"
)

// Buffer is an in-memory staging area. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	batches map[string]*etl.Batch
}

func NewBuffer() *Buffer {
	return &Buffer{batches: make(map[string]*etl.Batch)}
}

func slot(source string, cadence etl.Cadence) string {
	return source + "|" + string(cadence)
}

// Stage places a batch in the buffer. It fails with etl.ErrBatchInFlight
// when the source already has a staged batch of the same cadence.
func (b *Buffer) Stage(batch *etl.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := slot(batch.Source, batch.Cadence)
	if existing, ok := b.batches[key]; ok {
		return fmt.Errorf("%w: source %s already staged batch %s",
			etl.ErrBatchInFlight, batch.Source, existing.ID)
	}
	b.batches[key] = batch
	return nil
}

// Peek returns the staged batch for a source and cadence without removing it.
func (b *Buffer) Peek(source string, cadence etl.Cadence) (*etl.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[slot(source, cadence)]
	return batch, ok
}

// Commit removes a successfully loaded batch from the buffer.
func (b *Buffer) Commit(id uuid.UUID) error {
	return b.remove(id, "commit")
}

// Discard drops a staged batch without loading it.
func (b *Buffer) Discard(id uuid.UUID) error {
	return b.remove(id, "discard")
}

func (b *Buffer) remove(id uuid.UUID, op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, batch := range b.batches {
		if batch.ID == id {
			delete(b.batches, key)
			return nil
		}
	}
	return fmt.Errorf("%s: no staged batch %s", op, id)
}

// Len reports the number of staged batches.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}
