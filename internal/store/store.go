// Package store provides PostgreSQL persistence for bulk scans and scan
// results. It owns the connection pool, the schema bootstrap, and the
// data access layer used by the controller, the workers and the monitor.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration. Database
// name, username and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// sanitizeStoreError converts raw database errors into typed store
// errors that do not expose SQL details or credentials. The original
// error stays in the Cause field for logging.
func sanitizeStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		e := errors.NewStoreError(errors.CodeNotFound, "resource not found")
		e.Operation = operation
		e.Cause = err
		return e
	}

	if pqErr, ok := err.(*pq.Error); ok {
		var storeErr *errors.StoreError
		switch pqErr.Code {
		case "23505": // unique_violation
			storeErr = errors.NewStoreError(errors.CodeConflict, "resource already exists")
		case "23503": // foreign_key_violation
			storeErr = errors.NewStoreError(errors.CodeValidation, "referenced resource does not exist")
		case "23502": // not_null_violation
			storeErr = errors.NewStoreError(errors.CodeValidation, "required field is missing")
		case "57014": // query_canceled
			storeErr = errors.NewStoreError(errors.CodeCanceled, "database operation was canceled")
		case "57P01", "08000", "08003", "08006": // connection errors
			storeErr = errors.NewStoreError(errors.CodeStoreConnection, "database connection error")
		default:
			storeErr = errors.NewStoreError(errors.CodeStoreQuery,
				fmt.Sprintf("database operation failed: %s", operation))
		}
		storeErr.Operation = operation
		storeErr.Cause = err
		return storeErr
	}

	storeErr := errors.NewStoreError(errors.CodeStoreQuery,
		fmt.Sprintf("database operation failed: %s", operation))
	storeErr.Operation = operation
	storeErr.Cause = err
	return storeErr
}

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Connect establishes a connection to PostgreSQL. Returned errors are
// sanitized and never carry the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.ErrStoreConnection(err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.ErrorStore("failed to close connection after ping failure", closeErr)
		}
		return nil, errors.WrapStoreError(errors.CodeStoreConnection, "failed to verify database connection", err)
	}

	logging.InfoStore("connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// Store provides persistence operations for bulk scans and scan results.
type Store struct {
	db *DB
}

// New creates a store on top of an established connection.
func New(db *DB) *Store {
	return &Store{db: db}
}

// NewFromSqlx wraps a raw sqlx handle. Used by tests running against
// sqlmock.
func NewFromSqlx(db *sqlx.DB) *Store {
	return &Store{db: &DB{DB: db}}
}

// InsertBulkScan persists a new bulk scan and assigns its ID.
func (s *Store) InsertBulkScan(ctx context.Context, bulkScan *scan.BulkScan) error {
	row, err := newBulkScanRow(bulkScan)
	if err != nil {
		return errors.WrapStoreError(errors.CodeSerialization, "failed to encode bulk scan", err)
	}

	query := `
		INSERT INTO bulk_scans (
			name, collection_name, scan_config, start_time, end_time,
			monitored, notify_url, targets_given, scan_jobs_published,
			scan_jobs_resolution_errors, scan_jobs_denylisted,
			successful_scans, job_status_counters, finished)
		VALUES (
			:name, :collection_name, :scan_config, :start_time, :end_time,
			:monitored, :notify_url, :targets_given, :scan_jobs_published,
			:scan_jobs_resolution_errors, :scan_jobs_denylisted,
			:successful_scans, :job_status_counters, :finished)
		RETURNING id`

	rows, err := s.db.NamedQueryContext(ctx, query, row)
	if err != nil {
		return sanitizeStoreError("insert bulk scan", err)
	}
	defer closeRows(rows)

	if rows.Next() {
		if err := rows.Scan(&bulkScan.ID); err != nil {
			return sanitizeStoreError("scan inserted bulk scan id", err)
		}
	}
	return nil
}

// UpdateBulkScan persists the current state of an existing bulk scan.
func (s *Store) UpdateBulkScan(ctx context.Context, bulkScan *scan.BulkScan) error {
	row, err := newBulkScanRow(bulkScan)
	if err != nil {
		return errors.WrapStoreError(errors.CodeSerialization, "failed to encode bulk scan", err)
	}

	query := `
		UPDATE bulk_scans
		SET end_time = :end_time,
		    targets_given = :targets_given,
		    scan_jobs_published = :scan_jobs_published,
		    scan_jobs_resolution_errors = :scan_jobs_resolution_errors,
		    scan_jobs_denylisted = :scan_jobs_denylisted,
		    successful_scans = :successful_scans,
		    job_status_counters = :job_status_counters,
		    finished = :finished
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return sanitizeStoreError("update bulk scan", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return sanitizeStoreError("get rows affected", err)
	}
	if affected == 0 {
		e := errors.NewStoreError(errors.CodeNotFound, "bulk scan not found")
		e.Operation = "update bulk scan"
		return e
	}
	return nil
}

// GetBulkScan retrieves one bulk scan by ID.
func (s *Store) GetBulkScan(ctx context.Context, id int64) (*scan.BulkScan, error) {
	var row bulkScanRow
	query := `SELECT * FROM bulk_scans WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, sanitizeStoreError("get bulk scan", err)
	}
	return row.toBulkScan()
}

// ListBulkScans retrieves bulk scans ordered by start time, newest
// first. A limit of zero means no limit.
func (s *Store) ListBulkScans(ctx context.Context, limit int) ([]*scan.BulkScan, error) {
	var rows []bulkScanRow
	query := `SELECT * FROM bulk_scans ORDER BY start_time DESC`
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, query+` LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, query)
	}
	if err != nil {
		return nil, sanitizeStoreError("list bulk scans", err)
	}

	bulkScans := make([]*scan.BulkScan, 0, len(rows))
	for i := range rows {
		bulkScan, err := rows[i].toBulkScan()
		if err != nil {
			return nil, err
		}
		bulkScans = append(bulkScans, bulkScan)
	}
	return bulkScans, nil
}

// InsertScanResult persists one scan result into the bulk scan's
// collection.
func (s *Store) InsertScanResult(ctx context.Context, collection string, result *scan.ScanResult) error {
	row := newScanResultRow(collection, result)

	query := `
		INSERT INTO scan_results (
			id, bulk_scan_id, collection_name, hostname, ip, port,
			tranco_rank, result_status, result)
		VALUES (
			:id, :bulk_scan_id, :collection_name, :hostname, :ip, :port,
			:tranco_rank, :result_status, :result)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return sanitizeStoreError("insert scan result", err)
	}
	return nil
}

// CountScanResults returns the number of results in a collection.
func (s *Store) CountScanResults(ctx context.Context, collection string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM scan_results WHERE collection_name = $1`
	if err := s.db.GetContext(ctx, &count, query, collection); err != nil {
		return 0, sanitizeStoreError("count scan results", err)
	}
	return count, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func closeRows(rows *sqlx.Rows) {
	if err := rows.Close(); err != nil {
		logging.ErrorStore("failed to close rows", err)
	}
}
