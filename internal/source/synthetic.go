package source

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/datagen"
	"github.com/meridianbank/bankdw/internal/etl"
)

func init() {
	Register("synthetic", newSynthetic)
}

// syntheticEpoch is where extraction starts when no watermark exists yet.
var syntheticEpoch = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

// synthetic generates banking records with gofakeit. Generation is seeded
// from the configured seed plus the watermark, so replaying an extraction
// window produces the identical batch.
type synthetic struct {
	base
}

func newSynthetic(cfg config.SourceConfig) (Adapter, error) {
	switch cfg.Table {
	case "transaction_fact", "customer_fact", "customer_dim":
	default:
		return nil, fmt.Errorf("source %s: synthetic adapter cannot feed %s", cfg.Name, cfg.Table)
	}
	return &synthetic{base{cfg}}, nil
}

func (s *synthetic) Extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := since.Time()
	if since.IsZero() {
		start = syntheticEpoch
	}
	end := start.Add(s.Cadence().Interval())

	faker := datagen.NewFakerWithSeed(s.cfg.Seed ^ uint64(start.Unix()))

	var records []etl.Record
	switch s.cfg.Table {
	case "transaction_fact":
		records = s.transactions(faker, start, end)
	case "customer_fact":
		records = s.snapshots(faker, start, end)
	case "customer_dim":
		records = s.profiles(faker, start, end)
	}
	return etl.NewBatch(s.Name(), s.Cadence(), s.Table(), since, records), nil
}

const transactionsPerDay = 40

func (s *synthetic) transactions(faker *datagen.Faker, start, end time.Time) []etl.Record {
	days := int(end.Sub(start).Hours() / 24)
	if days < 1 {
		days = 1
	}
	n := transactionsPerDay * days

	types := []string{"DEPOSIT", "WITHDRAWAL", "TRANSFER", "PAYMENT", "FEE"}
	typeWeights := []int{30, 30, 20, 15, 5}
	statuses := []string{"COMPLETED", "PENDING", "FAILED"}
	statusWeights := []int{90, 7, 3}

	records := make([]etl.Record, 0, n)
	for i := 0; i < n; i++ {
		// Strictly inside (start, end): records at the exact watermark
		// are already loaded.
		at := faker.Date(start.Add(time.Second), end.Add(-time.Second))
		date := dateOnly(at)
		txnType := datagen.ChooseWeighted(faker, types, typeWeights)

		amount := decimal.NewFromFloat(faker.Float64(5, 5000)).Round(2)
		if txnType == "WITHDRAWAL" || txnType == "FEE" {
			amount = amount.Neg()
		}

		key := fmt.Sprintf("TXN-%s-%06d", start.Format("20060102"), i)
		records = append(records, etl.Record{
			Key:       key,
			EventDate: date,
			Watermark: etl.WatermarkAt(at),
			Fields: map[string]any{
				"transaction_id": key,
				"txn_date":       date,
				"branch_id":      fmt.Sprintf("BR-%03d", faker.Int(1, 10)),
				"customer_id":    fmt.Sprintf("CUST-%05d", faker.Int(1, 2000)),
				"product_id":     fmt.Sprintf("PRD-%02d", faker.Int(1, 8)),
				"channel_id":     datagen.Choose(faker, []string{"CH-BRANCH", "CH-ATM", "CH-WEB", "CH-MOBILE"}),
				"txn_type":       txnType,
				"amount":         amount,
				"status":         datagen.ChooseWeighted(faker, statuses, statusWeights),
				"is_weekend":     isWeekend(date),
			},
		})
	}
	return records
}

const snapshotCustomers = 200

func (s *synthetic) snapshots(faker *datagen.Faker, start, end time.Time) []etl.Record {
	date := dateOnly(start)
	records := make([]etl.Record, 0, snapshotCustomers)
	seen := make(map[string]bool, snapshotCustomers)
	for i := 0; i < snapshotCustomers; i++ {
		customer := fmt.Sprintf("CUST-%05d", faker.Int(1, 2000))
		if seen[customer] {
			continue
		}
		seen[customer] = true
		key := fmt.Sprintf("SNAP-%s-%s", start.Format("200601"), customer)
		records = append(records, etl.Record{
			Key:       key,
			EventDate: date,
			Watermark: etl.WatermarkAt(faker.Date(start.Add(time.Second), end.Add(-time.Second))),
			Fields: map[string]any{
				"snapshot_id":        key,
				"snapshot_date":      date,
				"customer_id":        customer,
				"satisfaction_score": int64(faker.Int(0, 10)),
				"nps_score":          int64(faker.Int(0, 10)),
				"txn_count":          int64(faker.Int(0, 120)),
				"total_amount":       decimal.NewFromFloat(faker.Float64(0, 50000)).Round(2),
			},
		})
	}
	return records
}

const profileUpdates = 30

// profiles emulates a CRM feed of customer profile changes. Customer ids
// draw from the same pool as the transaction feed so referential checks on
// the facts resolve against the loaded dimension.
func (s *synthetic) profiles(faker *datagen.Faker, start, end time.Time) []etl.Record {
	segments := []string{"RETAIL", "PREMIER", "BUSINESS", "PRIVATE"}
	segmentWeights := []int{60, 20, 15, 5}
	statuses := []string{"ACTIVE", "INACTIVE", "PENDING"}
	statusWeights := []int{85, 10, 5}

	records := make([]etl.Record, 0, profileUpdates)
	seen := make(map[string]bool, profileUpdates)
	for i := 0; i < profileUpdates; i++ {
		customer := fmt.Sprintf("CUST-%05d", faker.Int(1, 2000))
		if seen[customer] {
			continue
		}
		seen[customer] = true

		at := faker.Date(start.Add(time.Second), end.Add(-time.Second))
		records = append(records, etl.Record{
			Key:       customer,
			EventDate: at,
			Watermark: etl.WatermarkAt(at),
			Fields: map[string]any{
				"customer_id":           customer,
				"first_name":            faker.FirstName(),
				"last_name":             faker.LastName(),
				"date_of_birth":         dateOnly(faker.Date(dobFloor, dobCeil)),
				"address":               faker.Street(),
				"city":                  faker.City(),
				"state":                 faker.State(),
				"zip_code":              faker.Digits(5),
				"email":                 faker.Email(),
				"phone":                 faker.Digits(10),
				"segment":               datagen.ChooseWeighted(faker, segments, segmentWeights),
				"acquisition_date":      dateOnly(faker.Date(acquisitionFloor, start)),
				"last_interaction_date": at,
				"satisfaction_score":    int64(faker.Int(0, 10)),
				"nps_score":             int64(faker.Int(0, 10)),
				"status":                datagen.ChooseWeighted(faker, statuses, statusWeights),
				"source_updated":        at,
			},
		})
	}
	return records
}

var (
	dobFloor         = time.Date(1940, time.January, 1, 0, 0, 0, 0, time.UTC)
	dobCeil          = time.Date(2005, time.December, 31, 0, 0, 0, 0, time.UTC)
	acquisitionFloor = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)
)

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
