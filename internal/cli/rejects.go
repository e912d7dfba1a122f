package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

var (
	rejectsTable string
	rejectsSince string
)

var rejectsCmd = &cobra.Command{
	Use:   "rejects",
	Short: "Show records rejected by validation",
	Long: `Show the records screened out of recent batches, with the rule that
rejected them. Rejected records never reach the warehouse tables; this
is where they can be inspected for source-side fixes.

Example:
  bankdw rejects --table transaction_fact --since 2023-03-01`,
	RunE: runRejects,
}

func init() {
	rejectsCmd.Flags().StringVar(&rejectsTable, "table", "",
		"warehouse table to show rejects for (required)")
	rejectsCmd.Flags().StringVar(&rejectsSince, "since", "",
		"earliest rejection date (YYYY-MM-DD, default: 7 days ago)")
}

func runRejects(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if rejectsTable == "" {
		return fmt.Errorf("--table is required")
	}
	if _, ok := warehouse.TableFor(rejectsTable); !ok {
		return fmt.Errorf("unknown table: %s", rejectsTable)
	}

	since := time.Now().UTC().AddDate(0, 0, -7)
	if rejectsSince != "" {
		parsed, err := time.Parse("2006-01-02", rejectsSince)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %v", rejectsSince, err)
		}
		since = parsed
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := warehouse.NewPostgres(pool)
	rejects, err := store.Rejects(ctx, rejectsTable, since, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(rejects) == 0 {
		cmd.Printf("No rejects for %s since %s\n", rejectsTable, since.Format("2006-01-02"))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Rule", "Reason", "Rejected At"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range rejects {
		table.Append([]string{
			r.Record.Key,
			r.Rule,
			r.Reason,
			r.RejectedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}
