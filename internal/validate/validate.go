// Package validate screens staged batches before they reach the warehouse.
// Checks are driven by the table metadata in the warehouse package: required
// columns, enums, numeric ranges, and dimension references all come from the
// table definition, so adding a column there extends validation for free.
package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/warehouse"
)

// Check kinds, in the order they run against each record.
const (
	Completeness = "completeness"
	Validity     = "validity"
	Consistency  = "consistency"
	Business     = "business"
)

var kinds = []string{Completeness, Validity, Consistency, Business}

// Resolver answers whether a dimension row exists. warehouse.Store
// satisfies it.
type Resolver interface {
	DimensionExists(ctx context.Context, table, key string) (bool, error)
}

// Config controls which checks run and when a batch is rejected wholesale.
type Config struct {
	// RejectThreshold fails the whole batch when the rejected fraction
	// exceeds it.
	RejectThreshold float64

	// Disable lists check kinds to skip.
	Disable []string

	// SampleFailures caps the failure examples kept per check kind.
	SampleFailures int
}

// CheckResult summarizes one check kind over a batch.
type CheckResult struct {
	Kind     string   `json:"kind"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Examples []string `json:"examples,omitempty"`
}

// Report is the per-batch validation summary.
type Report struct {
	Table   string        `json:"table"`
	BatchID string        `json:"batch_id"`
	Total   int           `json:"total"`
	Checks  []CheckResult `json:"checks"`
}

// Result carries the surviving records and everything screened out.
type Result struct {
	Clean   []etl.Record
	Rejects []etl.Reject
	Report  Report
}

// Validator screens batches bound for one table roster.
type Validator struct {
	cfg      Config
	resolver Resolver
	now      func() time.Time

	disabled map[string]bool
}

func New(cfg Config, resolver Resolver) *Validator {
	disabled := make(map[string]bool, len(cfg.Disable))
	for _, k := range cfg.Disable {
		disabled[k] = true
	}
	if cfg.SampleFailures <= 0 {
		cfg.SampleFailures = 10
	}
	return &Validator{cfg: cfg, resolver: resolver, now: time.Now, disabled: disabled}
}

// Run screens every record in the batch. Records that fail a check become
// rejects; the rest pass through unchanged. When the rejected fraction
// exceeds the configured threshold the error is a QualityThresholdError and
// the batch must not be loaded.
func (v *Validator) Run(ctx context.Context, batch *etl.Batch) (Result, error) {
	table, ok := warehouse.TableFor(batch.Table)
	if !ok {
		return Result{}, fmt.Errorf("unknown table: %s", batch.Table)
	}

	res := Result{
		Report: Report{Table: batch.Table, BatchID: batch.ID.String(), Total: len(batch.Records)},
	}
	counts := make(map[string]*CheckResult, len(kinds))
	for _, k := range kinds {
		counts[k] = &CheckResult{Kind: k}
	}

	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		kind, reason, err := v.screen(ctx, table, rec)
		if err != nil {
			return Result{}, err
		}
		if kind == "" {
			res.Clean = append(res.Clean, rec)
			for _, k := range kinds {
				counts[k].Passed++
			}
			continue
		}

		c := counts[kind]
		c.Failed++
		if len(c.Examples) < v.cfg.SampleFailures {
			c.Examples = append(c.Examples, fmt.Sprintf("%s: %s", rec.Key, reason))
		}
		res.Rejects = append(res.Rejects, etl.Reject{
			Record:     rec,
			Rule:       kind,
			Reason:     reason,
			RejectedAt: v.now().UTC(),
		})
	}

	for _, k := range kinds {
		res.Report.Checks = append(res.Report.Checks, *counts[k])
	}

	if total := len(batch.Records); total > 0 {
		frac := float64(len(res.Rejects)) / float64(total)
		if frac > v.cfg.RejectThreshold {
			return res, &etl.QualityThresholdError{
				BatchID:   batch.ID,
				Rejected:  len(res.Rejects),
				Total:     total,
				Threshold: v.cfg.RejectThreshold,
			}
		}
	}
	return res, nil
}

// screen returns the first failing check kind and reason, or "" when the
// record is clean.
func (v *Validator) screen(ctx context.Context, table warehouse.Table, rec etl.Record) (string, string, error) {
	if !v.disabled[Completeness] {
		if reason := checkCompleteness(table, rec); reason != "" {
			return Completeness, reason, nil
		}
	}
	if !v.disabled[Validity] {
		if reason := v.checkValidity(table, rec); reason != "" {
			return Validity, reason, nil
		}
	}
	if !v.disabled[Consistency] {
		reason, err := v.checkConsistency(ctx, table, rec)
		if err != nil {
			return "", "", err
		}
		if reason != "" {
			return Consistency, reason, nil
		}
	}
	if !v.disabled[Business] {
		if reason := checkBusiness(table, rec); reason != "" {
			return Business, reason, nil
		}
	}
	return "", "", nil
}

func checkCompleteness(table warehouse.Table, rec etl.Record) string {
	if rec.Key == "" {
		return "missing record key"
	}
	for _, col := range table.Columns {
		if !col.Required {
			continue
		}
		val, ok := rec.Fields[col.Name]
		if !ok || val == nil {
			return fmt.Sprintf("missing required column %s", col.Name)
		}
		if s, isStr := val.(string); isStr && s == "" {
			return fmt.Sprintf("empty required column %s", col.Name)
		}
	}
	return ""
}

func (v *Validator) checkValidity(table warehouse.Table, rec etl.Record) string {
	for _, col := range table.Columns {
		val, ok := rec.Fields[col.Name]
		if !ok || val == nil {
			continue
		}
		if len(col.Enum) > 0 {
			s, _ := val.(string)
			if !contains(col.Enum, s) {
				return fmt.Sprintf("%s: %q not in %v", col.Name, s, col.Enum)
			}
		}
		if col.HasRange {
			f, ok := asFloat(val)
			if !ok {
				return fmt.Sprintf("%s: not numeric", col.Name)
			}
			if f < col.Min || f > col.Max {
				return fmt.Sprintf("%s: %v outside [%v, %v]", col.Name, f, col.Min, col.Max)
			}
		}
	}
	if table.Kind == warehouse.Fact {
		if rec.EventDate.IsZero() {
			return "missing event date"
		}
		if rec.EventDate.Before(earliestPlausible) {
			return fmt.Sprintf("event date %s is implausibly old", rec.EventDate.Format("2006-01-02"))
		}
		if rec.EventDate.After(v.now().UTC().Add(24 * time.Hour)) {
			return fmt.Sprintf("event date %s is in the future", rec.EventDate.Format("2006-01-02"))
		}
	}
	return ""
}

var earliestPlausible = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

func (v *Validator) checkConsistency(ctx context.Context, table warehouse.Table, rec etl.Record) (string, error) {
	if v.resolver == nil {
		return "", nil
	}
	for _, col := range table.Columns {
		if col.Ref == "" {
			continue
		}
		key, _ := rec.Fields[col.Name].(string)
		if key == "" {
			continue
		}
		exists, err := v.resolver.DimensionExists(ctx, col.Ref, key)
		if err != nil {
			return "", fmt.Errorf("resolve %s %q: %w", col.Ref, key, err)
		}
		if !exists {
			return fmt.Sprintf("%s: no %s row %q", col.Name, col.Ref, key), nil
		}
	}
	return "", nil
}

// checkBusiness applies the banking rules that table metadata cannot express.
func checkBusiness(table warehouse.Table, rec etl.Record) string {
	switch table.Name {
	case "transaction_fact":
		amount, ok := rec.Fields["amount"].(decimal.Decimal)
		if !ok {
			return "amount: not a decimal"
		}
		txnType, _ := rec.Fields["txn_type"].(string)
		switch txnType {
		case "WITHDRAWAL", "FEE":
			if amount.IsPositive() {
				return fmt.Sprintf("%s amount must not be positive, got %s", txnType, amount)
			}
		case "DEPOSIT":
			if amount.IsNegative() {
				return fmt.Sprintf("DEPOSIT amount must not be negative, got %s", amount)
			}
		}
	case "customer_fact":
		if n, ok := rec.Fields["txn_count"].(int64); ok && n < 0 {
			return fmt.Sprintf("txn_count must not be negative, got %d", n)
		}
		if d, ok := rec.Fields["total_amount"].(decimal.Decimal); ok && d.IsNegative() {
			return fmt.Sprintf("total_amount must not be negative, got %s", d)
		}
	}
	return ""
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func asFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}
