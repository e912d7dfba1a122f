package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/etl"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(config.SourceConfig{Name: "x", Kind: "carrier-pigeon", Cadence: "daily", Table: "transaction_fact"})
	require.Error(t, err)
}

func TestRegisteredKinds(t *testing.T) {
	kinds := Kinds()
	for _, want := range []string{"csv", "jsonl", "logfile", "synthetic"} {
		require.Contains(t, kinds, want)
	}
}

func TestSyntheticDeterministicReplay(t *testing.T) {
	cfg := config.SourceConfig{
		Name: "corebank", Kind: "synthetic", Cadence: "daily",
		Table: "transaction_fact", Seed: 42,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	since := etl.WatermarkAt(time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC))
	first, err := a.Extract(context.Background(), since)
	require.NoError(t, err)
	second, err := a.Extract(context.Background(), since)
	require.NoError(t, err)

	require.False(t, first.Empty())
	require.Equal(t, len(first.Records), len(second.Records))
	for i := range first.Records {
		require.Equal(t, first.Records[i].Key, second.Records[i].Key)
		require.True(t, first.Records[i].Decimal("amount").Equal(second.Records[i].Decimal("amount")))
		require.True(t, first.Records[i].Watermark.Equal(second.Records[i].Watermark))
	}
	require.True(t, first.High.Equal(second.High))
}

func TestSyntheticRecordsStayInWindow(t *testing.T) {
	cfg := config.SourceConfig{
		Name: "corebank", Kind: "synthetic", Cadence: "daily",
		Table: "transaction_fact", Seed: 7,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	since := etl.WatermarkAt(time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC))
	batch, err := a.Extract(context.Background(), since)
	require.NoError(t, err)

	end := since.Time().Add(24 * time.Hour)
	for _, rec := range batch.Records {
		require.True(t, rec.Watermark.After(since), "record %s not after since", rec.Key)
		require.True(t, rec.Watermark.Time().Before(end), "record %s outside window", rec.Key)
	}
}

func TestSyntheticAmountSignFollowsType(t *testing.T) {
	cfg := config.SourceConfig{
		Name: "corebank", Kind: "synthetic", Cadence: "daily",
		Table: "transaction_fact", Seed: 1,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	batch, err := a.Extract(context.Background(), etl.Zero)
	require.NoError(t, err)
	for _, rec := range batch.Records {
		amount := rec.Decimal("amount")
		switch rec.Str("txn_type") {
		case "WITHDRAWAL", "FEE":
			require.False(t, amount.IsPositive(), "%s: %s", rec.Key, amount)
		case "DEPOSIT":
			require.False(t, amount.IsNegative(), "%s: %s", rec.Key, amount)
		}
	}
}

func TestSyntheticCustomerProfiles(t *testing.T) {
	cfg := config.SourceConfig{
		Name: "crm-sandbox", Kind: "synthetic", Cadence: "weekly",
		Table: "customer_dim", Seed: 11,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	since := etl.WatermarkAt(time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC))
	batch, err := a.Extract(context.Background(), since)
	require.NoError(t, err)
	require.False(t, batch.Empty())

	seen := make(map[string]bool)
	for _, rec := range batch.Records {
		require.False(t, seen[rec.Key], "duplicate profile %s", rec.Key)
		seen[rec.Key] = true

		require.NotEmpty(t, rec.Str("first_name"))
		require.NotEmpty(t, rec.Str("last_name"))
		require.NotEmpty(t, rec.Str("email"))
		require.Len(t, rec.Str("zip_code"), 5)
		require.Contains(t, []string{"ACTIVE", "INACTIVE", "PENDING"}, rec.Str("status"))
		require.True(t, rec.Watermark.After(since), "%s not after since", rec.Key)
	}

	// Same window replays identically.
	again, err := a.Extract(context.Background(), since)
	require.NoError(t, err)
	require.Equal(t, len(batch.Records), len(again.Records))
	for i := range batch.Records {
		require.Equal(t, batch.Records[i].Key, again.Records[i].Key)
		require.Equal(t, batch.Records[i].Str("email"), again.Records[i].Str("email"))
	}
}

const loanCSV = `loan_id,origination_date,customer_id,branch_id,principal,interest_rate,term_months,status,updated_at
LN-001,2022-06-01,CUST-00001,BR-001,250000.00,0.045,360,ACTIVE,2023-01-15T09:00:00Z
LN-002,2023-02-10,CUST-00002,BR-002,15000.00,0.089,48,ACTIVE,2023-03-01T12:00:00Z
`

func TestCSVExtractFiltersByWatermark(t *testing.T) {
	path := writeFile(t, "loans.csv", loanCSV)
	a, err := New(config.SourceConfig{
		Name: "loans", Kind: "csv", Cadence: "quarterly",
		Table: "loan_fact", Path: path,
	})
	require.NoError(t, err)

	all, err := a.Extract(context.Background(), etl.Zero)
	require.NoError(t, err)
	require.Len(t, all.Records, 2)
	require.Equal(t, "LN-001", all.Records[0].Key)
	require.Equal(t, int64(360), all.Records[0].Int64("term_months"))

	// Only the row updated after the watermark comes back.
	since := etl.WatermarkAt(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC))
	newer, err := a.Extract(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, newer.Records, 1)
	require.Equal(t, "LN-002", newer.Records[0].Key)
}

func TestCSVSchemaMismatch(t *testing.T) {
	path := writeFile(t, "loans.csv", "loan_id,wrong_column\nLN-001,x\n")
	a, err := New(config.SourceConfig{
		Name: "loans", Kind: "csv", Cadence: "quarterly",
		Table: "loan_fact", Path: path,
	})
	require.NoError(t, err)

	_, err = a.Extract(context.Background(), etl.Zero)
	var mismatch *etl.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.False(t, etl.Retryable(err))
}

func TestCSVMissingFileIsSourceUnavailable(t *testing.T) {
	a, err := New(config.SourceConfig{
		Name: "loans", Kind: "csv", Cadence: "quarterly",
		Table: "loan_fact", Path: "/nonexistent/loans.csv",
	})
	require.NoError(t, err)

	_, err = a.Extract(context.Background(), etl.Zero)
	require.True(t, errors.Is(err, etl.ErrSourceUnavailable))
	require.True(t, etl.Retryable(err))
}

const crmJSONL = `{"customer_id":"CUST-00001","first_name":"Ada","last_name":"Byron","email":"ada@example.com","status":"ACTIVE","satisfaction_score":8,"updated_at":"2023-03-10T08:00:00Z"}
{"customer_id":"CUST-00002","first_name":"Alan","last_name":"Turing","email":"alan@example.com","status":"PENDING","updated_at":"2023-03-12T08:00:00Z"}
`

func TestJSONLExtract(t *testing.T) {
	path := writeFile(t, "crm.jsonl", crmJSONL)
	a, err := New(config.SourceConfig{
		Name: "crm", Kind: "jsonl", Cadence: "weekly",
		Table: "customer_dim", Path: path,
	})
	require.NoError(t, err)

	batch, err := a.Extract(context.Background(), etl.Zero)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)

	first := batch.Records[0]
	require.Equal(t, "CUST-00001", first.Key)
	require.Equal(t, "ada@example.com", first.Str("email"))
	require.Equal(t, int64(8), first.Int64("satisfaction_score"))

	updated, ok := first.Fields["source_updated"].(time.Time)
	require.True(t, ok)
	require.Equal(t, time.Date(2023, 3, 10, 8, 0, 0, 0, time.UTC), updated)
}

func TestJSONLMalformedLine(t *testing.T) {
	path := writeFile(t, "crm.jsonl", "{not json}\n")
	a, err := New(config.SourceConfig{
		Name: "crm", Kind: "jsonl", Cadence: "weekly",
		Table: "customer_dim", Path: path,
	})
	require.NoError(t, err)

	_, err = a.Extract(context.Background(), etl.Zero)
	var mismatch *etl.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
}

const atmJournal = `# ATM journal export
2023-03-15T09:30:00Z|ATM-TXN-001|CUST-00001|BR-003|PRD-01|WITHDRAWAL|-200.00|COMPLETED
2023-03-15T11:05:00Z|ATM-TXN-002|CUST-00002|BR-003|PRD-01|DEPOSIT|500.00|COMPLETED
`

func TestLogfileExtract(t *testing.T) {
	path := writeFile(t, "atm.log", atmJournal)
	a, err := New(config.SourceConfig{
		Name: "atm", Kind: "logfile", Cadence: "daily",
		Table: "transaction_fact", Path: path,
	})
	require.NoError(t, err)

	batch, err := a.Extract(context.Background(), etl.Zero)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)

	first := batch.Records[0]
	require.Equal(t, "ATM-TXN-001", first.Key)
	require.Equal(t, "CH-ATM", first.Str("channel_id"))
	require.Equal(t, "WITHDRAWAL", first.Str("txn_type"))
	require.Equal(t, time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC), first.EventDate)
	require.Equal(t, false, first.Fields["is_weekend"])
}

func TestLogfileBadFieldCount(t *testing.T) {
	path := writeFile(t, "atm.log", "2023-03-15T09:30:00Z|only|three\n")
	a, err := New(config.SourceConfig{
		Name: "atm", Kind: "logfile", Cadence: "daily",
		Table: "transaction_fact", Path: path,
	})
	require.NoError(t, err)

	_, err = a.Extract(context.Background(), etl.Zero)
	var mismatch *etl.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
}
