package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reporting-job/service"
)

type stubDriver struct {
	params service.RunParams
	result service.RunResult
	err    error
}

func (d *stubDriver) Execute(ctx context.Context, exec *service.Executor, params service.RunParams) (service.RunResult, error) {
	d.params = params
	return d.result, d.err
}

func newTestRouter(driver service.ReportDriver, defaults service.RunParams, queryFile string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/run", RunHandler(service.NewExecutor("test-project"), driver, defaults, queryFile))
	return r
}

func TestRunHandlerInlineQuery(t *testing.T) {
	driver := &stubDriver{result: service.RunResult{Rows: 7}}
	r := newTestRouter(driver, service.RunParams{CredentialFile: "sa.json"}, "")

	body := `{"query": "SELECT 1"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SELECT 1", driver.params.Query)
	assert.Equal(t, "sa.json", driver.params.CredentialFile)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Message)
	assert.Equal(t, int64(7), resp.Rows)
}

func TestRunHandlerReadsDefaultQueryFile(t *testing.T) {
	queryFile := filepath.Join(t.TempDir(), "model.sql")
	require.NoError(t, os.WriteFile(queryFile, []byte("SELECT 2"), 0o600))

	driver := &stubDriver{}
	r := newTestRouter(driver, service.RunParams{}, queryFile)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SELECT 2", driver.params.Query)
}

func TestRunHandlerMissingQueryFile(t *testing.T) {
	driver := &stubDriver{}
	r := newTestRouter(driver, service.RunParams{}, filepath.Join(t.TempDir(), "missing.sql"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, driver.params.Query)
}

func TestRunHandlerOverridesDestination(t *testing.T) {
	driver := &stubDriver{result: service.RunResult{Rows: 1, MartTable: "custom"}}
	defaults := service.RunParams{MartTable: "default_table", SyncTable: "sync_default"}
	r := newTestRouter(driver, defaults, "")

	body := `{"query": "SELECT 1", "mart_table": "custom"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "custom", driver.params.MartTable)
	assert.Equal(t, "sync_default", driver.params.SyncTable)
}

func TestRunHandlerDriverError(t *testing.T) {
	driver := &stubDriver{err: errors.New("syntax error at [3:7]")}
	r := newTestRouter(driver, service.RunParams{}, "")

	body := `{"query": "SELECT nope"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "syntax error")
}
