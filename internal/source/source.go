// Package source defines the adapters that extract records from upstream
// systems. Each adapter kind registers a factory; the pipeline builds
// adapters from configuration and only ever speaks to the Adapter interface.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/etl"
)

// Adapter extracts batches of records from one upstream system.
//
// Extract returns every record whose source timestamp is strictly after
// since. Two calls with the same since value must return identical batches
// so that an interrupted load can be replayed safely.
type Adapter interface {
	Name() string
	Kind() string
	Cadence() etl.Cadence
	Table() string

	// Timeout bounds one Extract call. Zero means no bound. The caller
	// treats an adapter that exceeds it as unavailable.
	Timeout() time.Duration

	Extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error)
}

// Factory builds an adapter from its configuration.
type Factory func(cfg config.SourceConfig) (Adapter, error)

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register adds an adapter factory for a source kind.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[kind] = factory
}

// New builds the adapter for a configured source.
func New(cfg config.SourceConfig) (Adapter, error) {
	mu.RLock()
	factory, ok := registry[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind: %s", cfg.Kind)
	}
	if !etl.Cadence(cfg.Cadence).Valid() {
		return nil, fmt.Errorf("source %s: invalid cadence %q", cfg.Name, cfg.Cadence)
	}
	return factory(cfg)
}

// Kinds returns all registered source kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// base carries the configuration shared by every adapter kind.
type base struct {
	cfg config.SourceConfig
}

func (b base) Name() string         { return b.cfg.Name }
func (b base) Kind() string         { return b.cfg.Kind }
func (b base) Cadence() etl.Cadence { return etl.Cadence(b.cfg.Cadence) }
func (b base) Table() string        { return b.cfg.Table }

func (b base) Timeout() time.Duration {
	if b.cfg.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(b.cfg.TimeoutSeconds) * time.Second
}
