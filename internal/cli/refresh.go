package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/aggregate"
	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

var (
	refreshFull      bool
	refreshAggregate string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the monthly summary tables",
	Long: `Recompute the summary tables from their fact table. The default
incremental refresh touches only the groups whose facts changed since
the summary was last refreshed; --full rebuilds a summary from scratch
behind an atomic swap.

Example:
  bankdw refresh
  bankdw refresh --full --aggregate branch_monthly_summary`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshFull, "full", false,
		"rebuild from scratch instead of refreshing incrementally")
	refreshCmd.Flags().StringVar(&refreshAggregate, "aggregate", "",
		"refresh only the named summary (default: all)")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	refresher := aggregate.NewRefresher(warehouse.NewPostgres(pool))

	if refreshAggregate != "" {
		spec, ok := aggregate.SpecFor(refreshAggregate)
		if !ok {
			return fmt.Errorf("unknown aggregate: %s", refreshAggregate)
		}
		if refreshFull {
			return refresher.Full(ctx, spec)
		}
		return refresher.Incremental(ctx, spec)
	}
	return refresher.RefreshAll(ctx, refreshFull)
}
