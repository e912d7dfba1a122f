package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/etl"
)

func init() {
	Register("jsonl", newJSONL)
}

// crmRecord is one line of the CRM customer export.
type crmRecord struct {
	CustomerID          string `json:"customer_id"`
	FirstName           string `json:"first_name"`
	LastName            string `json:"last_name"`
	DateOfBirth         string `json:"date_of_birth"`
	Address             string `json:"address"`
	City                string `json:"city"`
	State               string `json:"state"`
	ZipCode             string `json:"zip_code"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	Segment             string `json:"segment"`
	AcquisitionDate     string `json:"acquisition_date"`
	LastInteractionDate string `json:"last_interaction_date"`
	SatisfactionScore   *int64 `json:"satisfaction_score"`
	NPSScore            *int64 `json:"nps_score"`
	Status              string `json:"status"`
	UpdatedAt           string `json:"updated_at"`
}

// jsonlAdapter reads the CRM customer export, one JSON object per line. The
// updated_at field drives incremental extraction and doubles as the row's
// source_updated timestamp for conflict resolution.
type jsonlAdapter struct {
	base
}

func newJSONL(cfg config.SourceConfig) (Adapter, error) {
	if cfg.Table != "customer_dim" {
		return nil, fmt.Errorf("source %s: jsonl adapter cannot feed %s", cfg.Name, cfg.Table)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("source %s: jsonl adapter requires a path", cfg.Name)
	}
	return &jsonlAdapter{base{cfg}}, nil
}

func (a *jsonlAdapter) Extract(ctx context.Context, since etl.Watermark) (*etl.Batch, error) {
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", etl.ErrSourceUnavailable, a.Name(), err)
	}
	defer f.Close()

	var records []etl.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var crm crmRecord
		if err := json.Unmarshal(raw, &crm); err != nil {
			return nil, &etl.SchemaMismatchError{
				Source: a.Name(),
				Detail: fmt.Sprintf("line %d: %v", line, err),
			}
		}
		rec, err := a.toRecord(crm)
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

func (a *jsonlAdapter) toRecord(crm crmRecord) (etl.Record, error) {
	updated, err := time.Parse(time.RFC3339, crm.UpdatedAt)
	if err != nil {
		return etl.Record{}, fmt.Errorf("updated_at: %v", err)
	}

	fields := map[string]any{
		"customer_id":    crm.CustomerID,
		"first_name":     crm.FirstName,
		"last_name":      crm.LastName,
		"address":        crm.Address,
		"city":           crm.City,
		"state":          crm.State,
		"zip_code":       crm.ZipCode,
		"email":          crm.Email,
		"phone":          crm.Phone,
		"segment":        crm.Segment,
		"status":         crm.Status,
		"source_updated": updated.UTC(),
	}
	if crm.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", crm.DateOfBirth)
		if err != nil {
			return etl.Record{}, fmt.Errorf("date_of_birth: %v", err)
		}
		fields["date_of_birth"] = dob.UTC()
	}
	if crm.AcquisitionDate != "" {
		acq, err := time.Parse("2006-01-02", crm.AcquisitionDate)
		if err != nil {
			return etl.Record{}, fmt.Errorf("acquisition_date: %v", err)
		}
		fields["acquisition_date"] = acq.UTC()
	}
	if crm.LastInteractionDate != "" {
		li, err := time.Parse(time.RFC3339, crm.LastInteractionDate)
		if err != nil {
			return etl.Record{}, fmt.Errorf("last_interaction_date: %v", err)
		}
		fields["last_interaction_date"] = li.UTC()
	}
	if crm.SatisfactionScore != nil {
		fields["satisfaction_score"] = *crm.SatisfactionScore
	}
	if crm.NPSScore != nil {
		fields["nps_score"] = *crm.NPSScore
	}

	return etl.Record{
		Key:       crm.CustomerID,
		EventDate: updated.UTC(),
		Watermark: etl.WatermarkAt(updated),
		Fields:    fields,
	}, nil
}
