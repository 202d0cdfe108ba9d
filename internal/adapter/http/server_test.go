package http_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/tempestra/climate-lra/internal/adapter/http"
)

type mockReporter struct {
	status httpadapter.Status
}

func (m *mockReporter) Status() httpadapter.Status { return m.status }

func newTestServer(reporter httpadapter.StatusReporter) *httpadapter.Server {
	return httpadapter.NewServer(":0", reporter, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(&mockReporter{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WithReporter(t *testing.T) {
	srv := newTestServer(&mockReporter{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WithoutReporter(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReportsProgress(t *testing.T) {
	srv := newTestServer(&mockReporter{status: httpadapter.Status{
		Running:     true,
		Combination: "IFS/historical/hourly",
		CombosDone:  1,
		CombosTotal: 3,
	}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body httpadapter.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Running)
	assert.Equal(t, "IFS/historical/hourly", body.Combination)
	assert.Equal(t, 1, body.CombosDone)
	assert.Equal(t, 3, body.CombosTotal)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&mockReporter{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
