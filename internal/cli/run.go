package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/aggregate"
	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/load"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/partition"
	"github.com/meridianbank/bankdw/internal/pipeline"
	"github.com/meridianbank/bankdw/internal/scheduler"
	"github.com/meridianbank/bankdw/internal/source"
	"github.com/meridianbank/bankdw/internal/staging"
	"github.com/meridianbank/bankdw/internal/validate"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

var (
	runSources   []string
	runNoRefresh bool
	runMaintain  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ETL cycle for the configured sources",
	Long: `Extract, validate, and load one batch from each configured source,
respecting source dependencies, then incrementally refresh the summary
tables. Sources with no dependency between them run concurrently; a
failed source halts its dependents for this run.

The run is idempotent: re-running after an interruption replays only
what the watermarks say has not landed yet.

Example:
  bankdw run --connection "postgres://..."
  bankdw run --source corebank --source atm`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runSources, "source", nil,
		"run only the named source (repeatable; default: all)")
	runCmd.Flags().BoolVar(&runNoRefresh, "no-refresh", false,
		"skip the summary refresh after loading")
	runCmd.Flags().BoolVar(&runMaintain, "maintain-partitions", true,
		"pre-create look-ahead partitions and retire expired ones before loading")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	roster, err := selectSources()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := warehouse.NewPostgres(pool)
	manager := partition.NewManager(store, partition.Policy{
		AutoCreate:      cfg.Partition.AutoCreate,
		AheadMonths:     cfg.Partition.AheadMonths,
		RetentionMonths: cfg.Partition.RetentionMonths,
	})

	if runMaintain {
		now := time.Now().UTC()
		for _, table := range warehouse.Tables() {
			if table.Partitioned {
				if err := manager.Maintain(ctx, table.Name, now); err != nil {
					return err
				}
			}
		}
	}

	buffer := staging.NewBuffer()
	validator := validate.New(validate.Config{
		RejectThreshold: cfg.Validation.RejectThreshold,
		Disable:         cfg.Validation.Disable,
		SampleFailures:  cfg.Validation.SampleFailures,
	}, store)
	loader := load.NewCoordinator(store, manager)

	sched := scheduler.New(scheduler.RetryPolicy{
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff:     time.Duration(cfg.Scheduler.BackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Scheduler.MaxBackoffSeconds) * time.Second,
	})
	for _, sc := range roster {
		adapter, err := source.New(sc)
		if err != nil {
			return err
		}
		job := scheduler.Job{
			Runner:    pipeline.New(adapter, buffer, validator, loader, store),
			DependsOn: sc.DependsOn,
		}
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	logging.Info().Int("sources", len(roster)).Msg("Starting ETL run")
	run, err := sched.Run(ctx)
	if err != nil {
		return err
	}

	for _, o := range run.Sorted() {
		event := logging.Info()
		if o.Status != scheduler.Succeeded {
			event = logging.Warn()
		}
		event.
			Str("source", o.Source).
			Str("status", string(o.Status)).
			Int("attempts", o.Attempts).
			Int("extracted", o.Result.Extracted).
			Int("rejected", o.Result.Rejected).
			Int("inserted", o.Result.Loaded.Inserted).
			Int("updated", o.Result.Loaded.Updated).
			Msg("Source finished")
	}

	if !runNoRefresh {
		refresher := aggregate.NewRefresher(store)
		if err := refresher.RefreshAll(ctx, false); err != nil {
			return err
		}
	}

	if run.Failed() {
		return fmt.Errorf("%w: see log for details", ErrPartial)
	}
	return nil
}

// selectSources resolves the --source flags against the configured roster.
func selectSources() ([]config.SourceConfig, error) {
	if err := cfg.ValidateSources(); err != nil {
		return nil, err
	}
	if len(runSources) == 0 {
		return cfg.Sources, nil
	}

	var roster []config.SourceConfig
	for _, name := range runSources {
		sc, err := cfg.Source(name)
		if err != nil {
			return nil, err
		}
		// Dependencies outside the selection cannot gate this run.
		var deps []string
		for _, d := range sc.DependsOn {
			for _, want := range runSources {
				if d == want {
					deps = append(deps, d)
				}
			}
		}
		sc.DependsOn = deps
		roster = append(roster, sc)
	}
	return roster, nil
}
