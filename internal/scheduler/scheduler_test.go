package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/pipeline"
)

// fakeRunner scripts per-attempt outcomes for one source.
type fakeRunner struct {
	name string
	errs []error

	mu    sync.Mutex
	calls int
	ran   []time.Time
}

func (f *fakeRunner) Source() string { return f.name }

func (f *fakeRunner) RunCycle(ctx context.Context) (pipeline.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, time.Now())

	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	return pipeline.CycleResult{Source: f.name}, err
}

func noSleep(s *Scheduler) {
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

func TestRunAllSucceed(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	noSleep(s)

	a := &fakeRunner{name: "corebank"}
	b := &fakeRunner{name: "atm"}
	require.NoError(t, s.Add(Job{Runner: a}))
	require.NoError(t, s.Add(Job{Runner: b}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.False(t, run.Failed())
	require.Equal(t, Succeeded, run.Outcomes["corebank"].Status)
	require.Equal(t, Succeeded, run.Outcomes["atm"].Status)
}

func TestRetryableErrorIsRetried(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})
	noSleep(s)

	flaky := &fakeRunner{
		name: "corebank",
		errs: []error{fmt.Errorf("store: %w", etl.ErrStorageUnavailable), nil},
	}
	require.NoError(t, s.Add(Job{Runner: flaky}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Succeeded, run.Outcomes["corebank"].Status)
	require.Equal(t, 2, run.Outcomes["corebank"].Attempts)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})
	noSleep(s)

	broken := &fakeRunner{
		name: "crm",
		errs: []error{&etl.SchemaMismatchError{Source: "crm", Detail: "missing column"}},
	}
	require.NoError(t, s.Add(Job{Runner: broken}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.True(t, run.Failed())
	require.Equal(t, Failed, run.Outcomes["crm"].Status)
	require.Equal(t, 1, run.Outcomes["crm"].Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})
	noSleep(s)

	down := &fakeRunner{
		name: "corebank",
		errs: []error{etl.ErrStorageUnavailable, etl.ErrStorageUnavailable, etl.ErrStorageUnavailable},
	}
	require.NoError(t, s.Add(Job{Runner: down}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Failed, run.Outcomes["corebank"].Status)
	require.Equal(t, 3, run.Outcomes["corebank"].Attempts)
	require.True(t, errors.Is(run.Outcomes["corebank"].Err, etl.ErrStorageUnavailable))
}

func TestFailedDependencyHaltsDependents(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	noSleep(s)

	upstream := &fakeRunner{name: "corebank", errs: []error{etl.ErrSourceUnavailable}}
	dependent := &fakeRunner{name: "crm-surveys"}
	independent := &fakeRunner{name: "atm"}

	require.NoError(t, s.Add(Job{Runner: upstream}))
	require.NoError(t, s.Add(Job{Runner: dependent, DependsOn: []string{"corebank"}}))
	require.NoError(t, s.Add(Job{Runner: independent}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Failed, run.Outcomes["corebank"].Status)
	require.Equal(t, Skipped, run.Outcomes["crm-surveys"].Status)
	require.Equal(t, Succeeded, run.Outcomes["atm"].Status)

	// The skipped dependent never ran.
	require.Equal(t, 0, dependent.calls)
	require.True(t, run.Failed())
}

func TestDependencyChainRunsInOrder(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	noSleep(s)

	first := &fakeRunner{name: "corebank"}
	second := &fakeRunner{name: "crm-surveys"}
	require.NoError(t, s.Add(Job{Runner: first}))
	require.NoError(t, s.Add(Job{Runner: second, DependsOn: []string{"corebank"}}))

	run, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Succeeded, run.Outcomes["corebank"].Status)
	require.Equal(t, Succeeded, run.Outcomes["crm-surveys"].Status)
	require.False(t, second.ran[0].Before(first.ran[0]))
}

func TestUnknownDependencyRejected(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	require.NoError(t, s.Add(Job{Runner: &fakeRunner{name: "crm"}, DependsOn: []string{"ghost"}}))

	_, err := s.Run(context.Background())
	require.Error(t, err)
}

func TestDependencyCycleRejected(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	require.NoError(t, s.Add(Job{Runner: &fakeRunner{name: "a"}, DependsOn: []string{"b"}}))
	require.NoError(t, s.Add(Job{Runner: &fakeRunner{name: "b"}, DependsOn: []string{"a"}}))

	_, err := s.Run(context.Background())
	require.Error(t, err)
}

func TestDuplicateSourceRejected(t *testing.T) {
	s := New(RetryPolicy{MaxAttempts: 1})
	require.NoError(t, s.Add(Job{Runner: &fakeRunner{name: "corebank"}}))
	require.Error(t, s.Add(Job{Runner: &fakeRunner{name: "corebank"}}))
}
