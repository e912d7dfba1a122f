package validate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

func seededStore() *warehouse.Memory {
	s := warehouse.NewMemory()
	s.PutDimension("branch_dim", "BR-001", map[string]any{"branch_id": "BR-001", "branch_name": "Main"})
	s.PutDimension("customer_dim", "CUST-00001", map[string]any{"customer_id": "CUST-00001"})
	s.PutDimension("product_dim", "PRD-01", map[string]any{"product_id": "PRD-01"})
	s.PutDimension("channel_dim", "CH-WEB", map[string]any{"channel_id": "CH-WEB"})
	return s
}

func goodTxn(key string) etl.Record {
	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	return etl.Record{
		Key:       key,
		EventDate: date,
		Watermark: etl.WatermarkAt(date),
		Fields: map[string]any{
			"transaction_id": key,
			"txn_date":       date,
			"branch_id":      "BR-001",
			"customer_id":    "CUST-00001",
			"product_id":     "PRD-01",
			"channel_id":     "CH-WEB",
			"txn_type":       "DEPOSIT",
			"amount":         decimal.RequireFromString("100.00"),
			"status":         "COMPLETED",
			"is_weekend":     false,
		},
	}
}

func runBatch(t *testing.T, v *Validator, records ...etl.Record) (Result, error) {
	t.Helper()
	batch := etl.NewBatch("corebank", etl.Daily, "transaction_fact", etl.Zero, records)
	return v.Run(context.Background(), batch)
}

func TestValidateCleanBatch(t *testing.T) {
	v := New(Config{RejectThreshold: 0.05}, seededStore())

	res, err := runBatch(t, v, goodTxn("TXN-1"), goodTxn("TXN-2"))
	require.NoError(t, err)
	require.Len(t, res.Clean, 2)
	require.Empty(t, res.Rejects)
}

func TestValidateRejectsByRule(t *testing.T) {
	missingBranch := goodTxn("TXN-MISSING")
	delete(missingBranch.Fields, "branch_id")

	badType := goodTxn("TXN-ENUM")
	badType.Fields["txn_type"] = "GIFT"

	future := goodTxn("TXN-FUTURE")
	future.EventDate = time.Now().UTC().AddDate(0, 0, 7)
	future.Fields["txn_date"] = future.EventDate

	dangling := goodTxn("TXN-DANGLING")
	dangling.Fields["branch_id"] = "BR-999"

	positiveFee := goodTxn("TXN-FEE")
	positiveFee.Fields["txn_type"] = "FEE"
	positiveFee.Fields["amount"] = decimal.RequireFromString("25.00")

	tests := []struct {
		name string
		rec  etl.Record
		rule string
	}{
		{"missing required column", missingBranch, Completeness},
		{"enum violation", badType, Validity},
		{"future event date", future, Validity},
		{"dangling dimension reference", dangling, Consistency},
		{"positive fee amount", positiveFee, Business},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A generous threshold keeps the single reject below batch-fatal.
			v := New(Config{RejectThreshold: 0.9}, seededStore())

			res, err := runBatch(t, v, goodTxn("TXN-OK"), tt.rec)
			require.NoError(t, err)
			require.Len(t, res.Clean, 1)
			require.Len(t, res.Rejects, 1)
			require.Equal(t, tt.rule, res.Rejects[0].Rule)
			require.Equal(t, tt.rec.Key, res.Rejects[0].Record.Key)
		})
	}
}

func TestValidateThresholdFailsBatch(t *testing.T) {
	v := New(Config{RejectThreshold: 0.05}, seededStore())

	bad := goodTxn("TXN-BAD")
	bad.Fields["txn_type"] = "GIFT"

	res, err := runBatch(t, v, goodTxn("TXN-OK"), bad)
	require.Error(t, err)

	var qerr *etl.QualityThresholdError
	require.True(t, errors.As(err, &qerr))
	require.Equal(t, 1, qerr.Rejected)
	require.Equal(t, 2, qerr.Total)

	// The partial result still reports what was screened.
	require.Len(t, res.Rejects, 1)
	require.False(t, etl.Retryable(err))
}

func TestValidateDisabledKind(t *testing.T) {
	v := New(Config{RejectThreshold: 0.05, Disable: []string{Consistency}}, seededStore())

	dangling := goodTxn("TXN-DANGLING")
	dangling.Fields["branch_id"] = "BR-999"

	res, err := runBatch(t, v, dangling)
	require.NoError(t, err)
	require.Len(t, res.Clean, 1)
}

func TestValidateRangeViolation(t *testing.T) {
	v := New(Config{RejectThreshold: 0.9, Disable: []string{Consistency}}, warehouse.NewMemory())

	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	rec := etl.Record{
		Key:       "SNAP-1",
		EventDate: date,
		Watermark: etl.WatermarkAt(date),
		Fields: map[string]any{
			"snapshot_id":        "SNAP-1",
			"snapshot_date":      date,
			"customer_id":        "CUST-00001",
			"satisfaction_score": int64(14),
			"nps_score":          int64(5),
			"txn_count":          int64(3),
			"total_amount":       decimal.RequireFromString("120.00"),
		},
	}

	batch := etl.NewBatch("crm-surveys", etl.Monthly, "customer_fact", etl.Zero, []etl.Record{rec})
	res, err := v.Run(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Rejects, 1)
	require.Equal(t, Validity, res.Rejects[0].Rule)
}

func TestValidateReportCounts(t *testing.T) {
	v := New(Config{RejectThreshold: 0.9, SampleFailures: 1}, seededStore())

	badA := goodTxn("TXN-A")
	badA.Fields["txn_type"] = "GIFT"
	badB := goodTxn("TXN-B")
	badB.Fields["txn_type"] = "LOAN"

	res, err := runBatch(t, v, goodTxn("TXN-OK"), badA, badB)
	require.NoError(t, err)
	require.Equal(t, 3, res.Report.Total)

	var validity CheckResult
	for _, c := range res.Report.Checks {
		if c.Kind == Validity {
			validity = c
		}
	}
	require.Equal(t, 2, validity.Failed)
	require.Len(t, validity.Examples, 1, "sample cap must hold")
}
