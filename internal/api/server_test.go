package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

type fakeReader struct {
	bulks   []*scan.BulkScan
	listErr error
}

func (r *fakeReader) ListBulkScans(_ context.Context, limit int) ([]*scan.BulkScan, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	if limit > 0 && limit < len(r.bulks) {
		return r.bulks[:limit], nil
	}
	return r.bulks, nil
}

func (r *fakeReader) GetBulkScan(_ context.Context, id int64) (*scan.BulkScan, error) {
	for _, b := range r.bulks {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, errors.NewStoreError(errors.CodeNotFound, "bulk scan not found")
}

func newTestServer(reader BulkScanReader) *Server {
	registry := prometheus.NewRegistry()
	return New("127.0.0.1:0", reader, registry, time.Second, logging.NewDefault())
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	resp := doRequest(t, newTestServer(&fakeReader{}), "/healthz")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkprobe_test_total"})
	require.NoError(t, registry.Register(counter))
	counter.Inc()

	s := New("127.0.0.1:0", nil, registry, time.Second, logging.NewDefault())
	resp := doRequest(t, s, "/metrics")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "bulkprobe_test_total 1")
}

func TestListBulkScans(t *testing.T) {
	reader := &fakeReader{bulks: []*scan.BulkScan{
		{ID: 1, Name: "tranco-top1k"},
		{ID: 2, Name: "alexa-recheck"},
	}}
	resp := doRequest(t, newTestServer(reader), "/bulks")

	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		BulkScans []*scan.BulkScan `json:"bulk_scans"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.BulkScans, 2)
	assert.Equal(t, "tranco-top1k", body.BulkScans[0].Name)
}

func TestListBulkScansLimit(t *testing.T) {
	reader := &fakeReader{bulks: []*scan.BulkScan{{ID: 1}, {ID: 2}, {ID: 3}}}
	resp := doRequest(t, newTestServer(reader), "/bulks?limit=1")

	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		BulkScans []*scan.BulkScan `json:"bulk_scans"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Len(t, body.BulkScans, 1)
}

func TestListBulkScansInvalidLimit(t *testing.T) {
	resp := doRequest(t, newTestServer(&fakeReader{}), "/bulks?limit=nope")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListBulkScansStoreFailure(t *testing.T) {
	reader := &fakeReader{listErr: errors.NewStoreError(errors.CodeStoreQuery, "boom")}
	resp := doRequest(t, newTestServer(reader), "/bulks")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestGetBulkScan(t *testing.T) {
	reader := &fakeReader{bulks: []*scan.BulkScan{{ID: 42, Name: "deep-dive"}}}
	resp := doRequest(t, newTestServer(reader), "/bulks/42")

	require.Equal(t, http.StatusOK, resp.Code)

	var got scan.BulkScan
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, "deep-dive", got.Name)
}

func TestGetBulkScanNotFound(t *testing.T) {
	resp := doRequest(t, newTestServer(&fakeReader{}), "/bulks/99")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetBulkScanNonNumericID(t *testing.T) {
	// The route pattern only admits numeric ids.
	resp := doRequest(t, newTestServer(&fakeReader{}), "/bulks/abc")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestNilReaderOmitsBulkRoutes(t *testing.T) {
	s := New("127.0.0.1:0", nil, prometheus.NewRegistry(), time.Second, logging.NewDefault())
	resp := doRequest(t, s, "/bulks")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
