package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/etl"
)

func init() {
	Register("csv", newCSV)
}

// loanColumns is the header the loan book export must carry, in order.
var loanColumns = []string{
	"loan_id", "origination_date", "customer_id", "branch_id",
	"principal", "interest_rate", "term_months", "status", "updated_at",
}

// csvAdapter reads the quarterly loan book export. The file is a full dump;
// the updated_at column drives incremental extraction.
type csvAdapter struct {
	base
}

func newCSV(cfg config.SourceConfig) (Adapter, error) {
	if cfg.Table != "loan_fact" {
		return nil, fmt.Errorf("source %s: csv adapter cannot feed %s", cfg.Name, cfg.Table)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("source %s: csv adapter requires a path", cfg.Name)
	}
	return &csvAdapter{base{cfg}}, nil
}

func (a *csvAdapter) Extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error) {
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", etl.ErrSourceUnavailable, a.Name(), err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, &etl.SchemaMismatchError{
			Source: a.Name(),
			Detail: fmt.Sprintf("cannot read header: %v", err),
		}
	}
	if err := matchHeader(header, loanColumns); err != nil {
		return nil, &etl.SchemaMismatchError{Source: a.Name(), Detail: err.Error()}
	}

	var records []etl.Record
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &etl.SchemaMismatchError{
				Source: a.Name(),
				Detail: fmt.Sprintf("line %d: %v", line, err),
			}
		}

		rec, err := a.parseRow(row)
		if err != nil {
			return nil, &etl.SchemaMismatchError{
				Source: a.Name(),
				Detail: fmt.Sprintf("line %d: %v", line, err),
			}
		}
		if rec.Watermark.After(since) {
			records = append(records, rec)
		}
	}
	return etl.NewBatch(a.Name(), a.Cadence(), a.Table(), since, records), nil
}

func (a *csvAdapter) parseRow(row []string) (etl.Record, error) {
	if len(row) != len(loanColumns) {
		return etl.Record{}, fmt.Errorf("expected %d columns, got %d", len(loanColumns), len(row))
	}

	origination, err := time.Parse("2006-01-02", row[1])
	if err != nil {
		return etl.Record{}, fmt.Errorf("origination_date: %v", err)
	}
	principal, err := decimal.NewFromString(row[4])
	if err != nil {
		return etl.Record{}, fmt.Errorf("principal: %v", err)
	}
	rate, err := decimal.NewFromString(row[5])
	if err != nil {
		return etl.Record{}, fmt.Errorf("interest_rate: %v", err)
	}
	term, err := strconv.ParseInt(row[6], 10, 64)
	if err != nil {
		return etl.Record{}, fmt.Errorf("term_months: %v", err)
	}
	updated, err := time.Parse(time.RFC3339, row[8])
	if err != nil {
		return etl.Record{}, fmt.Errorf("updated_at: %v", err)
	}

	return etl.Record{
		Key:       row[0],
		EventDate: origination.UTC(),
		Watermark: etl.WatermarkAt(updated),
		Fields: map[string]any{
			"loan_id":          row[0],
			"origination_date": origination.UTC(),
			"customer_id":      row[2],
			"branch_id":        row[3],
			"principal":        principal,
			"interest_rate":    rate,
			"term_months":      term,
			"status":           row[7],
		},
	}, nil
}

func matchHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("expected %d columns, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("column %d: expected %q, got %q", i+1, want[i], got[i])
		}
	}
	return nil
}
