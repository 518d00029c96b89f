package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/scan"
)

func TestBulkScanRowRoundTrip(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	original := scan.NewBulkScan("tranco-top1k",
		scan.ScanConfig{Kind: "tls", Reexecutions: 2, ExcludedProbes: []string{"heartbleed"}},
		start, true, "https://hooks.example.com/done")
	original.ID = 42
	original.TargetsGiven = 1000
	original.ScanJobsPublished = 950
	original.ScanJobsResolutionErrors = 30
	original.ScanJobsDenylisted = 20
	original.SuccessfulScans = 900
	original.JobStatusCounters = map[scan.JobStatus]int64{
		scan.StatusSuccess: 900,
		scan.StatusError:   50,
	}
	original.EndTime = start.Add(2 * time.Hour)
	original.Finished = true

	row, err := newBulkScanRow(original)
	require.NoError(t, err)
	restored, err := row.toBulkScan()
	require.NoError(t, err)

	assert.Equal(t, original, restored)
}

func TestBulkScanRowUnsetEndTime(t *testing.T) {
	bulkScan := scan.NewBulkScan("x", scan.ScanConfig{Kind: "tls"}, time.Now(), false, "")

	row, err := newBulkScanRow(bulkScan)
	require.NoError(t, err)
	assert.False(t, row.EndTime.Valid)
	assert.Nil(t, []byte(row.JobStatusCounters))
}

func TestNewScanResultRow(t *testing.T) {
	result := &scan.ScanResult{
		BulkScanID: 42,
		ScanTarget: scan.ScanTarget{
			Hostname:   "example.com",
			IP:         "192.0.2.10",
			Port:       8443,
			TrancoRank: 100,
		},
		ResultStatus: scan.StatusSuccess,
		Result:       []byte(`{"tls_version":"1.3"}`),
	}

	row := newScanResultRow("tranco-top1k_2026-08-25_1430", result)

	assert.NotEqual(t, uuid.Nil, row.ID)
	assert.Equal(t, "tranco-top1k_2026-08-25_1430", row.CollectionName)
	assert.Equal(t, "example.com", row.Hostname)
	assert.Equal(t, "SUCCESS", row.ResultStatus)
}

func TestJSONB(t *testing.T) {
	t.Run("scan from bytes", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan([]byte(`{"a":1}`)))
		assert.Equal(t, `{"a":1}`, string(j))
	})

	t.Run("scan from nil", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan(nil))
		assert.Nil(t, []byte(j))
	})

	t.Run("empty value is null", func(t *testing.T) {
		v, err := JSONB(nil).Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		var j JSONB
		assert.Error(t, j.Scan(42))
	})
}
