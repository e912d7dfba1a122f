// Package scheduler orders pipeline cycles by their dependency graph and
// drives them with retries. Sources with no unfinished dependencies run
// concurrently; a failed source halts everything downstream of it.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/pipeline"
)

// Status of one source within a run.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Succeeded Status = "SUCCEEDED"
	Failed    Status = "FAILED"
	Skipped   Status = "SKIPPED"
)

// RetryPolicy bounds the retry loop for retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Runner is one schedulable unit of work. *pipeline.Pipeline satisfies it.
type Runner interface {
	Source() string
	RunCycle(ctx context.Context) (pipeline.CycleResult, error)
}

// Job is one schedulable runner with its upstream dependencies.
type Job struct {
	Runner    Runner
	DependsOn []string
}

// Outcome records how one source's cycle ended.
type Outcome struct {
	Source   string
	Status   Status
	Attempts int
	Result   pipeline.CycleResult
	Err      error
}

// Run holds the results of one scheduler pass.
type Run struct {
	Outcomes map[string]*Outcome
}

// Failed reports whether any source failed or was skipped.
func (r *Run) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == Failed || o.Status == Skipped {
			return true
		}
	}
	return false
}

// Sorted returns the outcomes ordered by source name.
func (r *Run) Sorted() []*Outcome {
	out := make([]*Outcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Scheduler executes a set of jobs respecting their dependency order.
type Scheduler struct {
	jobs   map[string]Job
	policy RetryPolicy

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(policy RetryPolicy) *Scheduler {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Scheduler{
		jobs:   make(map[string]Job),
		policy: policy,
		sleep:  sleepCtx,
	}
}

// Add registers a job. The source name comes from the runner.
func (s *Scheduler) Add(job Job) error {
	name := job.Runner.Source()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("duplicate source: %s", name)
	}
	s.jobs[name] = job
	return nil
}

// Run executes every job once. Jobs start as soon as all their dependencies
// have succeeded; independent jobs run concurrently. When a dependency
// fails, its dependents are marked skipped rather than run against stale
// upstream state.
func (s *Scheduler) Run(ctx context.Context) (*Run, error) {
	if err := s.checkGraph(); err != nil {
		return nil, err
	}

	run := &Run{Outcomes: make(map[string]*Outcome, len(s.jobs))}
	for name := range s.jobs {
		run.Outcomes[name] = &Outcome{Source: name, Status: Pending}
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		cond = sync.NewCond(&mu)
	)

	launch := func(name string, job Job) {
		defer wg.Done()

		outcome := s.attempt(ctx, job)

		mu.Lock()
		*run.Outcomes[name] = *outcome
		cond.Broadcast()
		mu.Unlock()
	}

	// Wake waiters when the context dies so no goroutine blocks forever.
	stopWake := context.AfterFunc(ctx, func() { cond.Broadcast() })
	defer stopWake()

	for name, job := range s.jobs {
		wg.Add(1)
		go func(name string, job Job) {
			mu.Lock()
			for {
				if ctx.Err() != nil {
					run.Outcomes[name].Status = Skipped
					run.Outcomes[name].Err = ctx.Err()
					mu.Unlock()
					wg.Done()
					return
				}
				ready, blocked := s.dependencyState(run, job)
				if blocked != "" {
					run.Outcomes[name].Status = Skipped
					run.Outcomes[name].Err = fmt.Errorf("dependency %s did not succeed", blocked)
					cond.Broadcast()
					mu.Unlock()
					wg.Done()
					logging.Warn().
						Str("source", name).
						Str("dependency", blocked).
						Msg("Skipping source, dependency failed")
					return
				}
				if ready {
					run.Outcomes[name].Status = Running
					mu.Unlock()
					launch(name, job)
					return
				}
				cond.Wait()
			}
		}(name, job)
	}

	wg.Wait()
	return run, ctx.Err()
}

// dependencyState reports whether every dependency succeeded, or names the
// first one that failed or was skipped.
func (s *Scheduler) dependencyState(run *Run, job Job) (ready bool, blocked string) {
	for _, dep := range job.DependsOn {
		o := run.Outcomes[dep]
		switch o.Status {
		case Failed, Skipped:
			return false, dep
		case Succeeded:
		default:
			return false, ""
		}
	}
	return true, ""
}

// attempt runs one job's cycle, retrying retryable failures with bounded
// exponential backoff.
func (s *Scheduler) attempt(ctx context.Context, job Job) *Outcome {
	name := job.Runner.Source()
	outcome := &Outcome{Source: name, Status: Running}

	backoff := s.policy.Backoff
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		result, err := job.Runner.RunCycle(ctx)
		outcome.Result = result
		outcome.Err = err
		if err == nil {
			outcome.Status = Succeeded
			return outcome
		}

		if !etl.Retryable(err) || attempt == s.policy.MaxAttempts {
			break
		}

		logging.Warn().
			Str("source", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("Cycle failed, retrying")
		if serr := s.sleep(ctx, backoff); serr != nil {
			outcome.Err = serr
			break
		}
		backoff *= 2
		if s.policy.MaxBackoff > 0 && backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}

	outcome.Status = Failed
	logging.Error().
		Str("source", name).
		Int("attempts", outcome.Attempts).
		Err(outcome.Err).
		Msg("Source failed")
	return outcome
}

// checkGraph rejects unknown and cyclic dependencies up front.
func (s *Scheduler) checkGraph() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.jobs))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("dependency cycle through %s", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range s.jobs[name].DependsOn {
			if _, ok := s.jobs[dep]; !ok {
				return fmt.Errorf("source %s depends on unknown source %s", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
