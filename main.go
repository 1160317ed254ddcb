package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reporting-job/api"
	"reporting-job/config"
	"reporting-job/observability"
	"reporting-job/service"
)

func main() {
	// Structured JSON logging for Cloud Run / Cloud Logging.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	exec := service.NewExecutor(cfg.ProjectID)
	exec.Location = cfg.QueryLocation
	exec.Logger = logger
	exec.LimitQueriesPerMinute(cfg.QueriesPerMinute)

	// The modelling query runs as the dashboard service account so Looker
	// Studio can read the materialized tables it produces.
	credentialFile := cfg.DashboardCredentialFile
	if credentialFile == "" {
		slog.Error("LOOKER_SERVICE_ACCOUNT_FILE is not set")
		os.Exit(1)
	}

	var driver service.ReportDriver
	switch cfg.Driver {
	case "MART":
		mart, err := service.NewMartService(cfg.Mart)
		if err != nil {
			slog.Error("Failed to initialize mart service", "error", err)
			os.Exit(1)
		}
		defer mart.Close()
		driver = service.NewMartDriver(mart, cfg.Mart.BatchSize)
	case "SYNC":
		syncCreds := service.FileCredentials{Path: cfg.WarehouseCredentialFile}
		client, err := service.NewWarehouseSyncClient(ctx, cfg.ProjectID, cfg.Sync.Dataset, syncCreds)
		if err != nil {
			slog.Error("Failed to initialize sync client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		syncer := service.NewSyncer(client, cfg.ProjectID, cfg.Sync.Dataset)
		syncer.Logger = logger
		driver = service.NewSyncDriver(syncer)
	default:
		driver = service.NewWarehouseDriver()
	}

	defaults := service.RunParams{
		CredentialFile:  credentialFile,
		MartTable:       cfg.Mart.Table,
		SyncTable:       cfg.Sync.Table,
		ReferenceColumn: cfg.Sync.ReferenceColumn,
	}

	// Job mode: one run and exit. This is how the daily cron invokes us.
	if cfg.RunMode != "server" {
		slog.Info("Reading modelling query", "file", cfg.QueryFile)
		text, err := os.ReadFile(cfg.QueryFile)
		if err != nil {
			slog.Error("Failed to read query file", "file", cfg.QueryFile, "error", err)
			os.Exit(1)
		}

		params := defaults
		params.Query = string(text)

		slog.Info("Running modelling query", "project", cfg.ProjectID, "driver", cfg.Driver)
		start := time.Now()
		res, err := driver.Execute(ctx, exec, params)
		if err != nil {
			observability.ObserveRun("error", time.Since(start))
			slog.Error("Job execution failed", "error", err)
			os.Exit(1)
		}
		observability.ObserveRun("success", time.Since(start))
		slog.Info("Job execution completed",
			"rows", res.Rows,
			"mart_table", res.MartTable,
			"inserted", res.Inserted,
			"updated", res.Updated,
			"duration", time.Since(start),
		)
		return
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	if cfg.APIKey != "" {
		r.Use(func(c *gin.Context) {
			if c.Request.URL.Path == "/health" {
				c.Next()
				return
			}
			if c.GetHeader("X-API-Key") != cfg.APIKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		})
	}

	// Request logging through slog, including the Cloud Scheduler headers so
	// scheduled triggers are attributable in the logs.
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
		}
		if raw != "" {
			attrs = append(attrs, slog.String("query", raw))
		}
		if jobName := c.GetHeader("X-CloudScheduler-JobName"); jobName != "" {
			attrs = append(attrs, slog.String("scheduler_job", jobName))
		}
		if scheduleTime := c.GetHeader("X-CloudScheduler-ScheduleTime"); scheduleTime != "" {
			attrs = append(attrs, slog.String("scheduler_time", scheduleTime))
		}

		if status >= 500 {
			slog.Error("Request processed", attrs...)
		} else {
			slog.Info("Request processed", attrs...)
		}
	})

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/api/run", api.RunHandler(exec, driver, defaults, cfg.QueryFile))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}
