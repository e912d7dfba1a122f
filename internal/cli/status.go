package cli

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watermarks and partition coverage",
	Long: `Show the load watermark of every source/table pair and the monthly
partition coverage of each fact table.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := warehouse.NewPostgres(pool)

	watermarks, err := store.LoadWatermarks(ctx)
	if err != nil {
		return err
	}

	cmd.Println(color.New(color.Bold).Sprint("Load watermarks"))
	wm := tablewriter.NewWriter(os.Stdout)
	wm.SetHeader([]string{"Source", "Table", "Watermark"})
	wm.SetBorder(false)
	wm.SetAutoWrapText(false)
	wm.SetAlignment(tablewriter.ALIGN_LEFT)
	if len(watermarks) == 0 {
		cmd.Println("  (no loads recorded)")
	} else {
		for _, e := range watermarks {
			wm.Append([]string{e.Source, e.Table, e.Watermark.String()})
		}
		wm.Render()
	}
	cmd.Println()

	cmd.Println(color.New(color.Bold).Sprint("Partition coverage"))
	pt := tablewriter.NewWriter(os.Stdout)
	pt.SetHeader([]string{"Table", "Partition", "From", "To"})
	pt.SetBorder(false)
	pt.SetAutoWrapText(false)
	pt.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, table := range warehouse.Tables() {
		if !table.Partitioned {
			continue
		}
		parts, err := store.Partitions(ctx, table.Name)
		if err != nil {
			return err
		}
		for _, p := range parts {
			pt.Append([]string{
				table.Name,
				p.Name,
				p.Start.Format("2006-01-02"),
				p.End.Format("2006-01-02"),
			})
		}
	}
	pt.Render()
	return nil
}
