package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromSqlx(sqlx.NewDb(db, "sqlmock")), mock
}

func testBulkScan() *scan.BulkScan {
	start := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	cfg := scan.ScanConfig{Kind: "tls", TimeoutMillis: 840000}
	return scan.NewBulkScan("tranco-top1k", cfg, start, true, "")
}

func TestInsertBulkScan(t *testing.T) {
	s, mock := newMockStore(t)
	bulkScan := testBulkScan()

	mock.ExpectQuery("INSERT INTO bulk_scans").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, s.InsertBulkScan(context.Background(), bulkScan))
	assert.Equal(t, int64(7), bulkScan.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBulkScan(t *testing.T) {
	t.Run("updates existing row", func(t *testing.T) {
		s, mock := newMockStore(t)
		bulkScan := testBulkScan()
		bulkScan.ID = 7
		bulkScan.ScanJobsPublished = 950

		mock.ExpectExec("UPDATE bulk_scans").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.UpdateBulkScan(context.Background(), bulkScan))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row yields not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		bulkScan := testBulkScan()
		bulkScan.ID = 404

		mock.ExpectExec("UPDATE bulk_scans").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.UpdateBulkScan(context.Background(), bulkScan)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})
}

func bulkScanColumns() []string {
	return []string{
		"id", "name", "collection_name", "scan_config", "start_time",
		"end_time", "monitored", "notify_url", "targets_given",
		"scan_jobs_published", "scan_jobs_resolution_errors",
		"scan_jobs_denylisted", "successful_scans",
		"job_status_counters", "finished",
	}
}

func TestGetBulkScan(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		start := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT \\* FROM bulk_scans WHERE id").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(bulkScanColumns()).AddRow(
				int64(7), "tranco-top1k", "tranco-top1k_2026-08-25_1430",
				[]byte(`{"kind":"tls","timeout_ms":840000}`), start,
				nil, true, "", 1000, 950, 30, 20, int64(900),
				[]byte(`{"SUCCESS":900,"ERROR":50}`), true,
			))

		bulkScan, err := s.GetBulkScan(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "tranco-top1k", bulkScan.Name)
		assert.Equal(t, "tls", bulkScan.ScanConfig.Kind)
		assert.Equal(t, 840000, bulkScan.ScanConfig.TimeoutMillis)
		assert.True(t, bulkScan.EndTime.IsZero())
		assert.Equal(t, int64(900), bulkScan.JobStatusCounters[scan.StatusSuccess])
		assert.True(t, bulkScan.Finished)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectQuery("SELECT \\* FROM bulk_scans WHERE id").
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetBulkScan(context.Background(), 404)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})
}

func TestListBulkScans(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT \\* FROM bulk_scans ORDER BY start_time DESC LIMIT").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(bulkScanColumns()).
			AddRow(int64(2), "b", "b_2026-08-25_1430", []byte(`{"kind":"tls"}`),
				start, nil, false, "", 5, 5, 0, 0, int64(0), nil, false).
			AddRow(int64(1), "a", "a_2026-08-25_1400", []byte(`{"kind":"tls"}`),
				start.Add(-30*time.Minute), start, false, "", 3, 3, 0, 0, int64(3), nil, true))

	bulkScans, err := s.ListBulkScans(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, bulkScans, 2)
	assert.Equal(t, "b", bulkScans[0].Name)
	assert.False(t, bulkScans[0].Finished)
	assert.True(t, bulkScans[1].Finished)
}

func TestInsertScanResult(t *testing.T) {
	s, mock := newMockStore(t)

	job := scan.NewScanJobDescription(
		scan.ScanTarget{Hostname: "example.com", IP: "192.0.2.10", Port: 443},
		testBulkScan(), scan.StatusSuccess)
	result, err := scan.NewScanResult(job, []byte(`{"tls_version":"1.3"}`))
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO scan_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.InsertScanResult(context.Background(), job.CollectionName, result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountScanResults(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM scan_results").
		WithArgs("tranco-top1k_2026-08-25_1430").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(950)))

	count, err := s.CountScanResults(context.Background(), "tranco-top1k_2026-08-25_1430")
	require.NoError(t, err)
	assert.Equal(t, int64(950), count)
}

func TestSanitizeStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"no rows", sql.ErrNoRows, errors.CodeNotFound},
		{"unique violation", &pq.Error{Code: "23505"}, errors.CodeConflict},
		{"not null violation", &pq.Error{Code: "23502"}, errors.CodeValidation},
		{"connection lost", &pq.Error{Code: "57P01"}, errors.CodeStoreConnection},
		{"unknown pq error", &pq.Error{Code: "42601"}, errors.CodeStoreQuery},
		{"plain error", assert.AnError, errors.CodeStoreQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sanitized := sanitizeStoreError("test op", tt.err)
			assert.True(t, errors.IsCode(sanitized, tt.code))
			// Cause must survive for internal logging.
			storeErr, ok := sanitized.(*errors.StoreError)
			require.True(t, ok)
			assert.Equal(t, tt.err, storeErr.Cause)
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, sanitizeStoreError("test op", nil))
	})
}
