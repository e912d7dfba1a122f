package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/etl"
)

func init() {
	Register("logfile", newLogfile)
}

// journalFields is the pipe-separated layout of the ATM journal:
// timestamp|transaction_id|customer_id|branch_id|product_id|txn_type|amount|status
const journalFields = 8

// logfileAdapter reads the ATM transaction journal. Every entry settles
// through the ATM channel.
type logfileAdapter struct {
	base
}

func newLogfile(cfg config.SourceConfig) (Adapter, error) {
	if cfg.Table != "transaction_fact" {
		return nil, fmt.Errorf("source %s: logfile adapter cannot feed %s", cfg.Name, cfg.Table)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("source %s: logfile adapter requires a path", cfg.Name)
	}
	return &logfileAdapter{base{cfg}}, nil
}

func (a *logfileAdapter) Extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error) {
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", etl.ErrSourceUnavailable, a.Name(), err)
	}
	defer f.Close()

	var records []etl.Record
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		rec, err := a.parseLine(text)
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
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", etl.ErrSourceUnavailable, a.Name(), err)
	}
	return etl.NewBatch(a.Name(), a.Cadence(), a.Table(), since, records), nil
}

func (a *logfileAdapter) parseLine(text string) (etl.Record, error) {
	parts := strings.Split(text, "|")
	if len(parts) != journalFields {
		return etl.Record{}, fmt.Errorf("expected %d fields, got %d", journalFields, len(parts))
	}

	at, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return etl.Record{}, fmt.Errorf("timestamp: %v", err)
	}
	amount, err := decimal.NewFromString(parts[6])
	if err != nil {
		return etl.Record{}, fmt.Errorf("amount: %v", err)
	}

	date := dateOnly(at.UTC())
	return etl.Record{
		Key:       parts[1],
		EventDate: date,
		Watermark: etl.WatermarkAt(at),
		Fields: map[string]any{
			"transaction_id": parts[1],
			"txn_date":       date,
			"customer_id":    parts[2],
			"branch_id":      parts[3],
			"product_id":     parts[4],
			"channel_id":     "CH-ATM",
			"txn_type":       parts[5],
			"amount":         amount,
			"status":         parts[7],
			"is_weekend":     isWeekend(date),
		},
	}, nil
}
