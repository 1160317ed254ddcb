package config

import (
	"fmt"
	"strconv"
)

// LookupFunc reads one setting from the environment. Tests pass a map-backed
// implementation instead of os.LookupEnv.
type LookupFunc func(string) (string, bool)

const (
	prodProject = "mag-datawarehouse"
	devProject  = "dev-mag-datawarehouse"
)

// Config carries every setting the job reads from the environment.
type Config struct {
	// Env selects the warehouse project: "prod" (default) or anything else for dev.
	Env       string
	ProjectID string

	// Service account files: the warehouse one runs the modelling query, the
	// dashboard one is handed to the Looker Studio data source.
	WarehouseCredentialFile string
	DashboardCredentialFile string

	QueryFile     string
	QueryLocation string

	// QueriesPerMinute caps job submissions to the warehouse. 0 means unlimited.
	QueriesPerMinute int

	RunMode string
	Port    string
	APIKey  string

	// Driver selects the reporting destination: "WAREHOUSE" (default),
	// "MART" or "SYNC".
	Driver string
	Mart   MartConfig
	Sync   SyncConfig
}

// SyncConfig holds the destination for the diff-sync driver.
type SyncConfig struct {
	Dataset         string
	Table           string
	ReferenceColumn string
}

// MartConfig holds the MySQL-protocol reporting mart connection settings.
type MartConfig struct {
	Host      string
	Port      string
	User      string
	Password  string
	Database  string
	Table     string
	BatchSize int
}

func Load(lookup LookupFunc) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Env:                     get("ENV", "prod"),
		WarehouseCredentialFile: get("BIGQUERY_SERVICE_ACCOUNT_FILE", ""),
		DashboardCredentialFile: get("LOOKER_SERVICE_ACCOUNT_FILE", ""),
		QueryFile:               get("QUERY_FILE", "data/asana_reporting.sql"),
		QueryLocation:           get("QUERY_LOCATION", ""),
		RunMode:                 get("RUN_MODE", "job"),
		Port:                    get("PORT", "8080"),
		APIKey:                  get("API_KEY", ""),
		Driver:                  get("REPORT_DRIVER", "WAREHOUSE"),
		Mart: MartConfig{
			Host:     get("MART_HOST", ""),
			Port:     get("MART_PORT", "9030"),
			User:     get("MART_USER", ""),
			Password: get("MART_PASSWORD", ""),
			Database: get("MART_DB", ""),
			Table:    get("MART_TABLE", "asana_reporting"),
		},
		Sync: SyncConfig{
			Dataset:         get("SYNC_DATASET", "reporting"),
			Table:           get("SYNC_TABLE", ""),
			ReferenceColumn: get("SYNC_REFERENCE_COLUMN", "task_gid"),
		},
	}

	cfg.ProjectID = get("GCP_PROJECT_ID", "")
	if cfg.ProjectID == "" {
		if cfg.Env == "prod" {
			cfg.ProjectID = prodProject
		} else {
			cfg.ProjectID = devProject
		}
	}

	var err error
	cfg.QueriesPerMinute, err = intSetting(lookup, "QUERY_RATE_LIMIT", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Mart.BatchSize, err = intSetting(lookup, "MART_BATCH_SIZE", 1000)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func intSetting(lookup LookupFunc, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, v)
	}
	return n, nil
}
