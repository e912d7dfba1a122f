// Package quality runs warehouse-wide data quality checks directly against
// the database and writes a JSON scorecard. Unlike the per-batch validation
// in the validate package, these checks audit everything already loaded, so
// they catch drift that slipped past earlier screening or predates it.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

// Check categories and their minimum passing scores.
const (
	Completeness = "completeness"
	Uniqueness   = "uniqueness"
	Validity     = "validity"
	Consistency  = "consistency"
	Timeliness   = "timeliness"
)

var thresholds = map[string]float64{
	Completeness: 0.95,
	Uniqueness:   1.00,
	Validity:     0.98,
	Consistency:  1.00,
	Timeliness:   0.95,
}

// staleAfter is how old the newest fact row may be before a table counts as
// stale.
const staleAfter = 45 * 24 * time.Hour

// CheckResult is one check over one table.
type CheckResult struct {
	Table     string  `json:"table"`
	Check     string  `json:"check"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Detail    string  `json:"detail,omitempty"`
}

// Report is the full scorecard for a run.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Passed      bool          `json:"passed"`
	Results     []CheckResult `json:"results"`
}

// Checker audits the warehouse tables.
type Checker struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewChecker(pool *pgxpool.Pool) *Checker {
	return &Checker{pool: pool, now: time.Now}
}

// Run executes every check against every table and returns the scorecard.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: c.now().UTC(), Passed: true}

	for _, table := range warehouse.Tables() {
		results, err := c.checkTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", table.Name, err)
		}
		report.Results = append(report.Results, results...)
	}

	for _, r := range report.Results {
		if !r.Passed {
			report.Passed = false
			logging.Warn().
				Str("table", r.Table).
				Str("check", r.Check).
				Float64("score", r.Score).
				Msg("Quality check failed")
		}
	}
	return report, nil
}

func (c *Checker) checkTable(ctx context.Context, table warehouse.Table) ([]CheckResult, error) {
	var results []CheckResult

	add := func(check string, score float64, detail string) {
		results = append(results, CheckResult{
			Table:     table.Name,
			Check:     check,
			Score:     score,
			Threshold: thresholds[check],
			Passed:    score >= thresholds[check],
			Detail:    detail,
		})
	}

	total, err := c.count(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table.Name))
	if err != nil {
		return nil, err
	}
	if total == 0 {
		// An empty table trivially passes every check.
		for _, check := range []string{Completeness, Uniqueness, Validity, Consistency} {
			add(check, 1.0, "table empty")
		}
		return results, nil
	}

	score, detail, err := c.completeness(ctx, table, total)
	if err != nil {
		return nil, err
	}
	add(Completeness, score, detail)

	score, detail, err = c.uniqueness(ctx, table, total)
	if err != nil {
		return nil, err
	}
	add(Uniqueness, score, detail)

	score, detail, err = c.validity(ctx, table, total)
	if err != nil {
		return nil, err
	}
	add(Validity, score, detail)

	if table.Kind == warehouse.Fact {
		score, detail, err = c.consistency(ctx, table, total)
		if err != nil {
			return nil, err
		}
		add(Consistency, score, detail)

		score, detail, err = c.timeliness(ctx, table)
		if err != nil {
			return nil, err
		}
		add(Timeliness, score, detail)
	}
	return results, nil
}

// completeness measures required columns that actually carry values.
func (c *Checker) completeness(ctx context.Context, table warehouse.Table, total int64) (float64, string, error) {
	var conds []string
	for _, col := range table.Columns {
		if !col.Required {
			continue
		}
		cond := fmt.Sprintf("%s IS NULL", col.Name)
		if col.Type == warehouse.Text {
			cond = fmt.Sprintf("(%s IS NULL OR %s = '')", col.Name, col.Name)
		}
		conds = append(conds, cond)
	}
	if len(conds) == 0 {
		return 1.0, "", nil
	}

	bad, err := c.count(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE %s", table.Name, strings.Join(conds, " OR ")))
	if err != nil {
		return 0, "", err
	}
	return score(total-bad, total), describe(bad, "incomplete rows"), nil
}

// uniqueness verifies natural keys stay unique. On partitioned facts the
// primary key includes the date column, so the same natural key could land
// in two partitions; this is the check that catches it.
func (c *Checker) uniqueness(ctx context.Context, table warehouse.Table, total int64) (float64, string, error) {
	distinct, err := c.count(ctx, fmt.Sprintf(
		"SELECT count(DISTINCT %s) FROM %s", table.Key, table.Name))
	if err != nil {
		return 0, "", err
	}
	return score(distinct, total), describe(total-distinct, "duplicate keys"), nil
}

// validity measures enum and range columns holding allowed values.
func (c *Checker) validity(ctx context.Context, table warehouse.Table, total int64) (float64, string, error) {
	var conds []string
	for _, col := range table.Columns {
		if len(col.Enum) > 0 {
			quoted := make([]string, len(col.Enum))
			for i, v := range col.Enum {
				quoted[i] = "'" + v + "'"
			}
			conds = append(conds, fmt.Sprintf("%s NOT IN (%s)", col.Name, strings.Join(quoted, ", ")))
		}
		if col.HasRange {
			conds = append(conds, fmt.Sprintf("(%s < %v OR %s > %v)", col.Name, col.Min, col.Name, col.Max))
		}
	}
	if len(conds) == 0 {
		return 1.0, "", nil
	}

	bad, err := c.count(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE %s", table.Name, strings.Join(conds, " OR ")))
	if err != nil {
		return 0, "", err
	}
	return score(total-bad, total), describe(bad, "invalid rows"), nil
}

// consistency measures fact rows whose dimension references resolve.
func (c *Checker) consistency(ctx context.Context, table warehouse.Table, total int64) (float64, string, error) {
	var dangling int64
	for _, col := range table.Columns {
		if col.Ref == "" {
			continue
		}
		ref, ok := warehouse.TableFor(col.Ref)
		if !ok {
			continue
		}
		bad, err := c.count(ctx, fmt.Sprintf(
			`SELECT count(*) FROM %s f
			 LEFT JOIN %s d ON f.%s = d.%s
			 WHERE f.%s IS NOT NULL AND d.%s IS NULL`,
			table.Name, ref.Name, col.Name, ref.Key, col.Name, ref.Key))
		if err != nil {
			return 0, "", err
		}
		dangling += bad
	}
	if dangling > total {
		dangling = total
	}
	return score(total-dangling, total), describe(dangling, "dangling references"), nil
}

// timeliness checks that the newest fact row is within the staleness window.
func (c *Checker) timeliness(ctx context.Context, table warehouse.Table) (float64, string, error) {
	var newest *time.Time
	row := c.pool.QueryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s", table.DateColumn, table.Name))
	if err := row.Scan(&newest); err != nil {
		return 0, "", err
	}
	if newest == nil {
		return 1.0, "table empty", nil
	}
	age := c.now().UTC().Sub(*newest)
	if age <= staleAfter {
		return 1.0, fmt.Sprintf("newest row %s", newest.Format("2006-01-02")), nil
	}
	return 0.0, fmt.Sprintf("newest row %s is %d days old", newest.Format("2006-01-02"), int(age.Hours()/24)), nil
}

func (c *Checker) count(ctx context.Context, sql string) (int64, error) {
	var n int64
	if err := c.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func score(good, total int64) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(good) / float64(total)
}

func describe(bad int64, what string) string {
	if bad == 0 {
		return ""
	}
	return fmt.Sprintf("%d %s", bad, what)
}

// WriteJSON writes the report to path, creating or truncating it.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
