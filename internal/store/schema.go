package store

import (
	"context"
)

// schema is the bootstrap DDL. It is idempotent; EnsureSchema runs it on
// every startup.
const schema = `
CREATE TABLE IF NOT EXISTS bulk_scans (
	id                          BIGSERIAL PRIMARY KEY,
	name                        TEXT NOT NULL,
	collection_name             TEXT NOT NULL,
	scan_config                 JSONB NOT NULL,
	start_time                  TIMESTAMPTZ NOT NULL,
	end_time                    TIMESTAMPTZ,
	monitored                   BOOLEAN NOT NULL DEFAULT FALSE,
	notify_url                  TEXT NOT NULL DEFAULT '',
	targets_given               INTEGER NOT NULL DEFAULT 0,
	scan_jobs_published         INTEGER NOT NULL DEFAULT 0,
	scan_jobs_resolution_errors INTEGER NOT NULL DEFAULT 0,
	scan_jobs_denylisted        INTEGER NOT NULL DEFAULT 0,
	successful_scans            BIGINT NOT NULL DEFAULT 0,
	job_status_counters         JSONB,
	finished                    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_bulk_scans_start_time ON bulk_scans (start_time DESC);
CREATE INDEX IF NOT EXISTS idx_bulk_scans_finished ON bulk_scans (finished);

CREATE TABLE IF NOT EXISTS scan_results (
	id              UUID PRIMARY KEY,
	bulk_scan_id    BIGINT NOT NULL,
	collection_name TEXT NOT NULL,
	hostname        TEXT NOT NULL DEFAULT '',
	ip              TEXT NOT NULL DEFAULT '',
	port            INTEGER NOT NULL,
	tranco_rank     INTEGER NOT NULL DEFAULT 0,
	result_status   TEXT NOT NULL,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_scan_results_collection ON scan_results (collection_name);
CREATE INDEX IF NOT EXISTS idx_scan_results_bulk_scan ON scan_results (bulk_scan_id);
CREATE INDEX IF NOT EXISTS idx_scan_results_status ON scan_results (result_status);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return sanitizeStoreError("ensure schema", err)
	}
	return nil
}
