package api

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"reporting-job/observability"
	"reporting-job/service"
)

type RunRequest struct {
	// Query is the modelling SQL to run. When empty, QueryFile (or the
	// configured default) is read instead.
	Query     string `json:"query"`
	QueryFile string `json:"query_file"`

	MartTable       string `json:"mart_table"`
	SyncTable       string `json:"sync_table"`
	ReferenceColumn string `json:"reference_column"`
}

type RunResponse struct {
	Message   string `json:"message"`
	Rows      int64  `json:"rows"`
	MartTable string `json:"mart_table,omitempty"`
	Inserted  int    `json:"inserted,omitempty"`
	Updated   int    `json:"updated,omitempty"`
}

// RunHandler triggers one reporting run on demand, typically from Cloud
// Scheduler.
func RunHandler(exec *service.Executor, driver service.ReportDriver, defaults service.RunParams, defaultQueryFile string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var req RunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(ctx, "Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		query := req.Query
		if query == "" {
			queryFile := req.QueryFile
			if queryFile == "" {
				queryFile = defaultQueryFile
			}
			text, err := os.ReadFile(queryFile)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, fs.ErrNotExist) {
					status = http.StatusBadRequest
				}
				slog.ErrorContext(ctx, "Failed to read query file", "file", queryFile, "error", err)
				c.JSON(status, gin.H{"error": "failed to read query file: " + err.Error()})
				return
			}
			query = string(text)
		}

		params := defaults
		params.Query = query
		if req.MartTable != "" {
			params.MartTable = req.MartTable
		}
		if req.SyncTable != "" {
			params.SyncTable = req.SyncTable
		}
		if req.ReferenceColumn != "" {
			params.ReferenceColumn = req.ReferenceColumn
		}

		slog.InfoContext(ctx, "Received run request", "query_bytes", len(params.Query), "mart_table", params.MartTable)

		start := time.Now()
		res, err := driver.Execute(ctx, exec, params)
		if err != nil {
			observability.ObserveRun("error", time.Since(start))
			slog.ErrorContext(ctx, "Run failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run report: " + err.Error()})
			return
		}
		observability.ObserveRun("success", time.Since(start))

		c.JSON(http.StatusOK, RunResponse{
			Message:   "OK",
			Rows:      res.Rows,
			MartTable: res.MartTable,
			Inserted:  res.Inserted,
			Updated:   res.Updated,
		})
	}
}
