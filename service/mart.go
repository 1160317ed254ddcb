package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	_ "github.com/go-sql-driver/mysql"

	"reporting-job/config"
)

// MartService mirrors materialized query results into a StarRocks-compatible
// reporting mart over the MySQL wire protocol.
type MartService struct {
	db     *sql.DB
	dbname string
}

func NewMartService(cfg config.MartConfig) (*MartService, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.User == "" || cfg.Database == "" {
		return nil, fmt.Errorf("missing mart settings: require MART_HOST, MART_PORT, MART_USER, MART_DB")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to mart: %w", err)
	}

	return &MartService{db: db, dbname: cfg.Database}, nil
}

// NewMartServiceWithDB wraps an existing connection. Tests use it with a
// mocked driver.
func NewMartServiceWithDB(db *sql.DB, dbname string) *MartService {
	return &MartService{db: db, dbname: dbname}
}

func (m *MartService) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Load creates the mart table if needed and inserts every row of the result
// inside one transaction. It returns the number of rows written.
func (m *MartService) Load(ctx context.Context, table string, result *ResultTable, batchSize int) (int64, error) {
	if table == "" {
		return 0, fmt.Errorf("mart table name is empty")
	}
	if err := m.ensureTable(ctx, table, result.Schema); err != nil {
		return 0, fmt.Errorf("failed to ensure mart table: %w", err)
	}
	if result.Len() == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	cols := make([]string, 0, len(result.Columns))
	for _, col := range result.Columns {
		cols = append(cols, fmt.Sprintf("`%s`", col))
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var total int64
	for start := 0; start < result.Len(); start += batchSize {
		end := start + batchSize
		if end > result.Len() {
			end = result.Len()
		}
		stmt, args := buildBatchInsert(table, cols, result, result.Rows[start:end])
		if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, err
		}
		total += int64(end - start)
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (m *MartService) ensureTable(ctx context.Context, table string, schema bigquery.Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("empty result schema")
	}

	var cols []string
	for _, f := range schema {
		if f.Repeated || f.Type == bigquery.RecordFieldType {
			return fmt.Errorf("unsupported complex type for column %q", f.Name)
		}
		cols = append(cols, fmt.Sprintf("`%s` %s", f.Name, mapMartType(f)))
	}
	colDDL := strings.Join(cols, ", ")
	dupKey := fmt.Sprintf("`%s`", schema[0].Name)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s
		)
		ENGINE=OLAP
		DUPLICATE KEY (%s)
		DISTRIBUTED BY HASH(%s) BUCKETS 8
		PROPERTIES (
			"replication_num" = "1"
		)`, table, colDDL, dupKey, dupKey)

	slog.InfoContext(ctx, "Ensuring mart table", "table", table)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func buildBatchInsert(table string, cols []string, result *ResultTable, rows []Row) (string, []any) {
	groups := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(cols))
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i, row := range rows {
		groups[i] = placeholders
		args = append(args, convertMartValues(result.Values(row), result.Schema)...)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(cols, ", "), strings.Join(groups, ", "))
	return stmt, args
}

// mapMartType maps BigQuery field types to mart column types.
func mapMartType(f *bigquery.FieldSchema) string {
	switch f.Type {
	case bigquery.StringFieldType:
		return "VARCHAR(1024)"
	case bigquery.BytesFieldType:
		return "VARBINARY(1024)"
	case bigquery.IntegerFieldType:
		return "BIGINT"
	case bigquery.FloatFieldType:
		return "DOUBLE"
	case bigquery.BooleanFieldType:
		return "BOOLEAN"
	case bigquery.TimestampFieldType, bigquery.DateTimeFieldType:
		return "DATETIME"
	case bigquery.DateFieldType:
		return "DATE"
	case bigquery.TimeFieldType:
		return "VARCHAR(64)"
	case bigquery.NumericFieldType:
		return "DECIMAL(38,9)"
	case bigquery.GeographyFieldType:
		return "VARCHAR(2048)"
	case bigquery.JSONFieldType:
		return "JSON"
	default:
		return "VARCHAR(1024)"
	}
}

// convertMartValues converts row values into types the MySQL driver accepts.
func convertMartValues(values []bigquery.Value, schema bigquery.Schema) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if i >= len(schema) {
			out[i] = v
			continue
		}
		switch schema[i].Type {
		case bigquery.TimestampFieldType:
			if t, ok := v.(time.Time); ok {
				out[i] = t
			} else {
				out[i] = nil
			}
		default:
			out[i] = v
		}
	}
	return out
}
