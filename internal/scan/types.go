package scan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CollectionTimeFormat is the UTC-to-minute layout used to derive a bulk
// scan's collection name from its start time.
const CollectionTimeFormat = "2006-01-02_1504"

// ScanTarget identifies one host to be scanned. Hostname is empty when
// the target was given as an IP literal; IP is empty when resolution
// failed. Port always holds a usable value after parsing (the default
// port is applied when the input carried none or an invalid one).
type ScanTarget struct {
	Hostname   string `json:"hostname,omitempty"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port"`
	TrancoRank int    `json:"tranco_rank,omitempty"`
}

// String renders the target the way the parser accepts it back, so a
// printed target round-trips through parsing (the rank has no output
// form). Hostname wins over IP when both are known.
func (t ScanTarget) String() string {
	host := t.Hostname
	if host == "" {
		host = t.IP
	}
	return fmt.Sprintf("%s:%d", host, t.Port)
}

// ScanConfig is the tagged probe-engine configuration that travels with
// every job. Kind selects the scanner factory on the worker side; workers
// reject kinds they do not implement with SERIALIZATION_ERROR. Options
// carries kind-specific settings and is opaque to the pipeline.
type ScanConfig struct {
	Kind           string          `json:"kind"`
	DetailLevel    string          `json:"detail_level,omitempty"`
	Reexecutions   int             `json:"reexecutions,omitempty"`
	TimeoutMillis  int             `json:"timeout_ms,omitempty"`
	ExcludedProbes []string        `json:"excluded_probes,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// BulkScan is the metadata record for one batch of targets published and
// tracked as a unit. It is inserted once by the publisher, updated once
// with publication counts, and updated once more at finalization by the
// progress monitor.
type BulkScan struct {
	ID                       int64                `json:"id" db:"id"`
	Name                     string               `json:"name" db:"name"`
	CollectionName           string               `json:"collection_name" db:"collection_name"`
	ScanConfig               ScanConfig           `json:"scan_config"`
	StartTime                time.Time            `json:"start_time" db:"start_time"`
	EndTime                  time.Time            `json:"end_time" db:"end_time"`
	Monitored                bool                 `json:"monitored" db:"monitored"`
	NotifyURL                string               `json:"notify_url,omitempty" db:"notify_url"`
	TargetsGiven             int                  `json:"targets_given" db:"targets_given"`
	ScanJobsPublished        int                  `json:"scan_jobs_published" db:"scan_jobs_published"`
	ScanJobsResolutionErrors int                  `json:"scan_jobs_resolution_errors" db:"scan_jobs_resolution_errors"`
	ScanJobsDenylisted       int                  `json:"scan_jobs_denylisted" db:"scan_jobs_denylisted"`
	SuccessfulScans          int64                `json:"successful_scans" db:"successful_scans"`
	JobStatusCounters        map[JobStatus]int64  `json:"job_status_counters,omitempty"`
	Finished                 bool                 `json:"finished" db:"finished"`
}

// NewBulkScan creates a bulk scan draft with its collection name derived
// from the name and start time. The ID stays zero until the store assigns
// one on insert.
func NewBulkScan(name string, cfg ScanConfig, startTime time.Time, monitored bool, notifyURL string) *BulkScan {
	return &BulkScan{
		Name:           name,
		CollectionName: name + "_" + startTime.UTC().Format(CollectionTimeFormat),
		ScanConfig:     cfg,
		StartTime:      startTime,
		Monitored:      monitored,
		NotifyURL:      notifyURL,
	}
}

// Info derives the wire subset of the bulk scan that ships with every
// job. It is computed at publish time and never mutated afterwards.
func (b *BulkScan) Info() BulkScanInfo {
	return BulkScanInfo{
		BulkScanID: b.ID,
		ScanConfig: b.ScanConfig,
		Monitored:  b.Monitored,
	}
}

// ExpectedJobs returns the number of done-notifications the monitor
// should wait for before finalizing.
func (b *BulkScan) ExpectedJobs() int {
	if b.ScanJobsPublished > 0 {
		return b.ScanJobsPublished
	}
	return b.TargetsGiven
}

// BulkScanInfo is the subset of BulkScan carried on the wire with every
// job description.
type BulkScanInfo struct {
	BulkScanID int64      `json:"bulk_scan_id"`
	ScanConfig ScanConfig `json:"scan_config"`
	Monitored  bool       `json:"monitored"`
}

// ScanJobDescription is the unit of work dispatched over the bus. The
// delivery tag is transport state: it is set exactly once by the bus
// consumer and never serialized.
type ScanJobDescription struct {
	ScanTarget     ScanTarget   `json:"scan_target"`
	BulkScanInfo   BulkScanInfo `json:"bulk_scan_info"`
	DBName         string       `json:"db_name"`
	CollectionName string       `json:"collection_name"`
	Status         JobStatus    `json:"status"`

	deliveryTag    uint64
	deliveryTagSet bool
}

// NewScanJobDescription builds a job for one target of a bulk scan.
func NewScanJobDescription(target ScanTarget, bulk *BulkScan, status JobStatus) *ScanJobDescription {
	return &ScanJobDescription{
		ScanTarget:     target,
		BulkScanInfo:   bulk.Info(),
		DBName:         bulk.Name,
		CollectionName: bulk.CollectionName,
		Status:         status,
	}
}

// SetDeliveryTag records the bus-supplied delivery tag. Calling it twice
// is a programming error.
func (j *ScanJobDescription) SetDeliveryTag(tag uint64) {
	if j.deliveryTagSet {
		panic("scan: delivery tag set twice")
	}
	j.deliveryTag = tag
	j.deliveryTagSet = true
}

// DeliveryTag returns the bus delivery tag. Reading it before the bus
// consumer assigned one is a programming error.
func (j *ScanJobDescription) DeliveryTag() uint64 {
	if !j.deliveryTagSet {
		panic("scan: delivery tag read before set")
	}
	return j.deliveryTag
}

// HasDeliveryTag reports whether the bus consumer assigned a tag yet.
func (j *ScanJobDescription) HasDeliveryTag() bool {
	return j.deliveryTagSet
}

// ScanResult is one persisted outcome. Result holds the probe document
// for SUCCESS, a serialized exception for error statuses, and nothing for
// EMPTY or pre-execution denials.
type ScanResult struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	BulkScanID   int64           `json:"bulk_scan" db:"bulk_scan_id"`
	ScanTarget   ScanTarget      `json:"scan_target"`
	ResultStatus JobStatus       `json:"result_status" db:"result_status"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// NewScanResult builds a result from a finished job and its probe
// document. Jobs still in TO_BE_EXECUTED must never produce a result.
func NewScanResult(job *ScanJobDescription, doc json.RawMessage) (*ScanResult, error) {
	if job.Status == StatusToBeExecuted {
		return nil, fmt.Errorf("scan: result from job still in %s", StatusToBeExecuted)
	}
	return &ScanResult{
		ID:           uuid.New(),
		BulkScanID:   job.BulkScanInfo.BulkScanID,
		ScanTarget:   job.ScanTarget,
		ResultStatus: job.Status,
		Result:       doc,
	}, nil
}

// NewErrorScanResult builds a result carrying a serialized exception. The
// job must already be in an error status; wrapping an error under a
// non-error status would corrupt the bulk scan's tallies.
func NewErrorScanResult(job *ScanJobDescription, cause error) (*ScanResult, error) {
	if !job.Status.IsError() {
		return nil, fmt.Errorf("scan: error result requires an error status, job has %s", job.Status)
	}
	var doc json.RawMessage
	if cause != nil {
		payload, err := json.Marshal(map[string]string{"exception": cause.Error()})
		if err != nil {
			return nil, fmt.Errorf("scan: serialize exception: %w", err)
		}
		doc = payload
	}
	return &ScanResult{
		ID:           uuid.New(),
		BulkScanID:   job.BulkScanInfo.BulkScanID,
		ScanTarget:   job.ScanTarget,
		ResultStatus: job.Status,
		Result:       doc,
	}, nil
}
