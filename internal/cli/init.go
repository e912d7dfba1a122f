package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/partition"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

var (
	initFrom string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the warehouse schema and initial partitions",
	Long: `Create the warehouse tables, the watermark and partition registries,
and the monthly partitions for each fact table, starting from the given
month through the configured look-ahead.

Example:
  bankdw init --from 2023-01 --connection "postgres://..."`,
	RunE: runInitCmd,
}

func init() {
	initCmd.Flags().StringVar(&initFrom, "from", "",
		"earliest month to create partitions for (YYYY-MM, default: current month)")
}

func runInitCmd(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	from := time.Now().UTC()
	if initFrom != "" {
		parsed, err := time.Parse("2006-01", initFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value %q: %v", initFrom, err)
		}
		from = parsed
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := warehouse.NewPostgres(pool)
	logging.Info().Msg("Creating warehouse schema")
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	manager := partition.NewManager(store, partition.Policy{
		AutoCreate:  cfg.Partition.AutoCreate,
		AheadMonths: cfg.Partition.AheadMonths,
	})

	now := time.Now().UTC()
	for _, table := range warehouse.Tables() {
		if !table.Partitioned {
			continue
		}
		for month := partition.Truncate(from); !month.After(now); month = month.AddDate(0, 1, 0) {
			if _, err := manager.Ensure(ctx, table.Name, month); err != nil {
				return err
			}
		}
		if err := manager.Maintain(ctx, table.Name, now); err != nil {
			return err
		}
	}

	logging.Info().Msg("Warehouse initialized")
	return nil
}
