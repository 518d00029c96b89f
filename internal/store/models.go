package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// JSONB handles PostgreSQL jsonb columns.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return nil
}

// bulkScanRow is the database representation of a bulk scan. The scan
// config and job status counters live in jsonb columns.
type bulkScanRow struct {
	ID                       int64        `db:"id"`
	Name                     string       `db:"name"`
	CollectionName           string       `db:"collection_name"`
	ScanConfig               JSONB        `db:"scan_config"`
	StartTime                time.Time    `db:"start_time"`
	EndTime                  sql.NullTime `db:"end_time"`
	Monitored                bool         `db:"monitored"`
	NotifyURL                string       `db:"notify_url"`
	TargetsGiven             int          `db:"targets_given"`
	ScanJobsPublished        int          `db:"scan_jobs_published"`
	ScanJobsResolutionErrors int          `db:"scan_jobs_resolution_errors"`
	ScanJobsDenylisted       int          `db:"scan_jobs_denylisted"`
	SuccessfulScans          int64        `db:"successful_scans"`
	JobStatusCounters        JSONB        `db:"job_status_counters"`
	Finished                 bool         `db:"finished"`
}

func newBulkScanRow(b *scan.BulkScan) (*bulkScanRow, error) {
	cfg, err := json.Marshal(b.ScanConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal scan config: %w", err)
	}
	var counters JSONB
	if len(b.JobStatusCounters) > 0 {
		data, err := json.Marshal(b.JobStatusCounters)
		if err != nil {
			return nil, fmt.Errorf("marshal job status counters: %w", err)
		}
		counters = JSONB(data)
	}
	var endTime sql.NullTime
	if !b.EndTime.IsZero() {
		endTime = sql.NullTime{Time: b.EndTime, Valid: true}
	}
	return &bulkScanRow{
		ID:                       b.ID,
		Name:                     b.Name,
		CollectionName:           b.CollectionName,
		ScanConfig:               JSONB(cfg),
		StartTime:                b.StartTime,
		EndTime:                  endTime,
		Monitored:                b.Monitored,
		NotifyURL:                b.NotifyURL,
		TargetsGiven:             b.TargetsGiven,
		ScanJobsPublished:        b.ScanJobsPublished,
		ScanJobsResolutionErrors: b.ScanJobsResolutionErrors,
		ScanJobsDenylisted:       b.ScanJobsDenylisted,
		SuccessfulScans:          b.SuccessfulScans,
		JobStatusCounters:        counters,
		Finished:                 b.Finished,
	}, nil
}

func (r *bulkScanRow) toBulkScan() (*scan.BulkScan, error) {
	var cfg scan.ScanConfig
	if len(r.ScanConfig) > 0 {
		if err := json.Unmarshal(r.ScanConfig, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal scan config: %w", err)
		}
	}
	var counters map[scan.JobStatus]int64
	if len(r.JobStatusCounters) > 0 {
		if err := json.Unmarshal(r.JobStatusCounters, &counters); err != nil {
			return nil, fmt.Errorf("unmarshal job status counters: %w", err)
		}
	}
	var endTime time.Time
	if r.EndTime.Valid {
		endTime = r.EndTime.Time
	}
	return &scan.BulkScan{
		ID:                       r.ID,
		Name:                     r.Name,
		CollectionName:           r.CollectionName,
		ScanConfig:               cfg,
		StartTime:                r.StartTime,
		EndTime:                  endTime,
		Monitored:                r.Monitored,
		NotifyURL:                r.NotifyURL,
		TargetsGiven:             r.TargetsGiven,
		ScanJobsPublished:        r.ScanJobsPublished,
		ScanJobsResolutionErrors: r.ScanJobsResolutionErrors,
		ScanJobsDenylisted:       r.ScanJobsDenylisted,
		SuccessfulScans:          r.SuccessfulScans,
		JobStatusCounters:        counters,
		Finished:                 r.Finished,
	}, nil
}

// scanResultRow is the database representation of a scan result.
type scanResultRow struct {
	ID             uuid.UUID `db:"id"`
	BulkScanID     int64     `db:"bulk_scan_id"`
	CollectionName string    `db:"collection_name"`
	Hostname       string    `db:"hostname"`
	IP             string    `db:"ip"`
	Port           int       `db:"port"`
	TrancoRank     int       `db:"tranco_rank"`
	ResultStatus   string    `db:"result_status"`
	Result         JSONB     `db:"result"`
}

func newScanResultRow(collection string, result *scan.ScanResult) *scanResultRow {
	id := result.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &scanResultRow{
		ID:             id,
		BulkScanID:     result.BulkScanID,
		CollectionName: collection,
		Hostname:       result.ScanTarget.Hostname,
		IP:             result.ScanTarget.IP,
		Port:           result.ScanTarget.Port,
		TrancoRank:     result.ScanTarget.TrancoRank,
		ResultStatus:   string(result.ResultStatus),
		Result:         JSONB(result.Result),
	}
}
