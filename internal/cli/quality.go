package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/db"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/quality"
)

var qualityReportPath string

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Audit warehouse data quality",
	Long: `Run completeness, uniqueness, validity, consistency, and timeliness
checks against everything already loaded, print the scorecard, and
write it as JSON. Unlike per-batch validation during a run, this audits
the warehouse as a whole.

Example:
  bankdw quality --report quality_report.json`,
	RunE: runQuality,
}

func init() {
	qualityCmd.Flags().StringVar(&qualityReportPath, "report", "",
		"path for the JSON report (default from config)")
}

func runQuality(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := cfg.Quality.ReportPath
	if qualityReportPath != "" {
		path = qualityReportPath
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	report, err := quality.NewChecker(pool).Run(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Table", "Check", "Score", "Threshold", "Status", "Detail"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range report.Results {
		status := color.GreenString("PASS")
		if !r.Passed {
			status = color.RedString("FAIL")
		}
		table.Append([]string{
			r.Table,
			r.Check,
			fmt.Sprintf("%.3f", r.Score),
			fmt.Sprintf("%.2f", r.Threshold),
			status,
			r.Detail,
		})
	}
	table.Render()

	if path != "" {
		if err := report.WriteJSON(path); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		logging.Info().Str("path", path).Msg("Quality report written")
	}

	if !report.Passed {
		return fmt.Errorf("%w: quality checks failed", ErrPartial)
	}
	return nil
}
