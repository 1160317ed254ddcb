package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// syncedAtColumn records when a row was last written by the sync.
const syncedAtColumn = "_synced_at"

// maxQueryParameters bounds the parameters in a single INSERT statement.
const maxQueryParameters = 10000

// SyncClient is the warehouse surface the table sync needs. The production
// implementation wraps the BigQuery client; tests use a fake.
type SyncClient interface {
	TableMetadata(ctx context.Context, table string) (*bigquery.TableMetadata, error)
	CreateTable(ctx context.Context, table string, schema bigquery.Schema) error
	AddColumns(ctx context.Context, table string, fields ...*bigquery.FieldSchema) error
	Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error)
}

type SyncStats struct {
	Inserted int
	Updated  int
}

// Syncer reconciles a query result into a warehouse table keyed by a
// reference column. New rows are inserted in parameterized batches, changed
// rows are updated one statement at a time, and unchanged rows are left
// alone. Every written row gets a fresh _synced_at timestamp.
type Syncer struct {
	Client  SyncClient
	Project string
	Dataset string
	Logger  *slog.Logger

	// MaxAttempts bounds the whole sync including retries. Defaults to 7,
	// with exponential backoff between 2s and 60s.
	MaxAttempts int

	// retryInterval overrides the initial backoff delay; tests shrink it.
	retryInterval time.Duration
}

func NewSyncer(client SyncClient, project, dataset string) *Syncer {
	return &Syncer{
		Client:  client,
		Project: project,
		Dataset: dataset,
		Logger:  slog.Default(),
	}
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Sync reconciles data into table, matching rows on the referenceID column.
func (s *Syncer) Sync(ctx context.Context, table, referenceID string, data *ResultTable) (SyncStats, error) {
	if data.Len() > 0 && !hasColumn(data, referenceID) {
		return SyncStats{}, fmt.Errorf("reference column %q not present in result", referenceID)
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 7
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	if s.retryInterval > 0 {
		policy.InitialInterval = s.retryInterval
	}
	policy.MaxInterval = 60 * time.Second

	var stats SyncStats
	op := func() error {
		var err error
		stats, err = s.syncOnce(ctx, table, referenceID, data)
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger().WarnContext(ctx, "Sync attempt failed, retrying", "error", err, "wait", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx), notify)
	if err != nil {
		return SyncStats{}, err
	}
	s.logger().InfoContext(ctx, "Sync complete", "table", table, "inserted", stats.Inserted, "updated", stats.Updated)
	return stats, nil
}

func (s *Syncer) syncOnce(ctx context.Context, table, referenceID string, data *ResultTable) (SyncStats, error) {
	tableRef := fmt.Sprintf("`%s.%s.%s`", s.Project, s.Dataset, table)
	types := columnTypes(data)

	if err := s.ensureTable(ctx, table, data, types); err != nil {
		return SyncStats{}, err
	}

	// The destination is created or evolved even for a zero-row result; only
	// the fetch/insert/update work is skipped.
	if data.Len() == 0 {
		s.logger().InfoContext(ctx, "No rows to sync, skipping updates", "table", table)
		return SyncStats{}, nil
	}

	refIDs := make([]string, 0, data.Len())
	for _, row := range data.Rows {
		refIDs = append(refIDs, fmt.Sprint(row[referenceID]))
	}

	existing, err := s.fetchExisting(ctx, tableRef, referenceID, refIDs)
	if err != nil {
		return SyncStats{}, err
	}

	inserts, updates := partitionRows(data, referenceID, existing)

	if err := s.insertRows(ctx, tableRef, data.Columns, inserts, types); err != nil {
		return SyncStats{}, err
	}
	if err := s.updateRows(ctx, tableRef, referenceID, updates, types); err != nil {
		return SyncStats{}, err
	}
	return SyncStats{Inserted: len(inserts), Updated: len(updates)}, nil
}

// ensureTable creates the target table with a schema derived from the result,
// or appends any columns the table does not have yet.
func (s *Syncer) ensureTable(ctx context.Context, table string, data *ResultTable, types map[string]bigquery.FieldType) error {
	meta, err := s.Client.TableMetadata(ctx, table)
	if isNotFound(err) {
		schema := make(bigquery.Schema, 0, len(data.Columns)+1)
		for _, col := range data.Columns {
			schema = append(schema, &bigquery.FieldSchema{Name: col, Type: types[col]})
		}
		schema = append(schema, &bigquery.FieldSchema{Name: syncedAtColumn, Type: bigquery.TimestampFieldType})
		if err := s.Client.CreateTable(ctx, table, schema); err != nil {
			return err
		}
		s.logger().InfoContext(ctx, "Created table", "table", table)
		return nil
	}
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(meta.Schema))
	for _, f := range meta.Schema {
		have[f.Name] = true
	}
	var missing []*bigquery.FieldSchema
	for _, col := range data.Columns {
		if !have[col] {
			missing = append(missing, &bigquery.FieldSchema{Name: col, Type: types[col]})
		}
	}
	if !have[syncedAtColumn] {
		missing = append(missing, &bigquery.FieldSchema{Name: syncedAtColumn, Type: bigquery.TimestampFieldType})
	}
	if len(missing) == 0 {
		return nil
	}
	if err := s.Client.AddColumns(ctx, table, missing...); err != nil {
		return err
	}
	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = f.Name
	}
	s.logger().InfoContext(ctx, "Updated table schema with new columns", "table", table, "columns", names)
	return nil
}

func (s *Syncer) fetchExisting(ctx context.Context, tableRef, referenceID string, refIDs []string) (map[string]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN UNNEST(@ref_ids)", tableRef, referenceID)
	params := []bigquery.QueryParameter{{Name: "ref_ids", Value: refIDs}}
	s.logger().InfoContext(ctx, "Querying existing rows", "count", len(refIDs))
	it, err := s.Client.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	table, err := collectRows(it)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]Row, table.Len())
	for _, row := range table.Rows {
		existing[fmt.Sprint(row[referenceID])] = row
	}
	return existing, nil
}

// partitionRows splits the result into rows to insert and rows whose changed
// columns need an update. The reference and _synced_at columns never count as
// changes.
func partitionRows(data *ResultTable, referenceID string, existing map[string]Row) (inserts []Row, updates []Row) {
	for _, row := range data.Rows {
		current, ok := existing[fmt.Sprint(row[referenceID])]
		if !ok {
			inserts = append(inserts, row)
			continue
		}
		changed := Row{}
		for _, col := range data.Columns {
			if col == referenceID || col == syncedAtColumn {
				continue
			}
			old, have := current[col]
			if !have || !valuesEqual(old, row[col]) {
				changed[col] = row[col]
			}
		}
		if len(changed) > 0 {
			changed[referenceID] = row[referenceID]
			updates = append(updates, changed)
		}
	}
	return inserts, updates
}

func (s *Syncer) insertRows(ctx context.Context, tableRef string, columns []string, rows []Row, types map[string]bigquery.FieldType) error {
	if len(rows) == 0 {
		return nil
	}

	batchSize := 500
	if n := len(columns); n > 0 && maxQueryParameters/n < batchSize {
		batchSize = maxQueryParameters / n
	}
	if batchSize < 1 {
		batchSize = 1
	}

	total := len(rows)
	batches := (total + batchSize - 1) / batchSize
	for b := 0; b < batches; b++ {
		start := b * batchSize
		end := start + batchSize
		if end > total {
			end = total
		}

		var groups []string
		var params []bigquery.QueryParameter
		for i, row := range rows[start:end] {
			placeholders := make([]string, 0, len(columns)+1)
			for _, col := range columns {
				name := fmt.Sprintf("%s_%d", col, start+i)
				placeholders = append(placeholders, "@"+name)
				params = append(params, bigquery.QueryParameter{
					Name:  name,
					Value: prepareParam(row[col], types[col]),
				})
			}
			placeholders = append(placeholders, "CURRENT_TIMESTAMP()")
			groups = append(groups, "("+strings.Join(placeholders, ", ")+")")
		}

		query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES %s",
			tableRef, strings.Join(columns, ", "), syncedAtColumn, strings.Join(groups, ", "))
		s.logger().InfoContext(ctx, "Inserting batch", "batch", b+1, "batches", batches, "rows", end-start)
		it, err := s.Client.Query(ctx, query, params)
		if err != nil {
			return err
		}
		if err := drainIterator(it); err != nil {
			return err
		}
	}
	s.logger().InfoContext(ctx, "Inserted rows", "count", total)
	return nil
}

func (s *Syncer) updateRows(ctx context.Context, tableRef, referenceID string, rows []Row, types map[string]bigquery.FieldType) error {
	for _, row := range rows {
		var sets []string
		var params []bigquery.QueryParameter
		for col, val := range row {
			if col == syncedAtColumn {
				continue
			}
			if col != referenceID {
				sets = append(sets, fmt.Sprintf("%s = @%s", col, col))
			}
			params = append(params, bigquery.QueryParameter{
				Name:  col,
				Value: prepareParam(val, types[col]),
			})
		}
		sets = append(sets, syncedAtColumn+" = CURRENT_TIMESTAMP()")

		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = @%s",
			tableRef, strings.Join(sets, ", "), referenceID, referenceID)
		it, err := s.Client.Query(ctx, query, params)
		if err != nil {
			return err
		}
		if err := drainIterator(it); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		s.logger().InfoContext(ctx, "Updated rows", "count", len(rows))
	}
	return nil
}

func drainIterator(it RowIterator) error {
	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func hasColumn(data *ResultTable, name string) bool {
	for _, col := range data.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// columnTypes resolves a BigQuery field type per column, preferring the
// result schema and falling back to value inspection.
func columnTypes(data *ResultTable) map[string]bigquery.FieldType {
	types := make(map[string]bigquery.FieldType, len(data.Columns)+1)
	for _, f := range data.Schema {
		types[f.Name] = f.Type
	}
	for _, col := range data.Columns {
		if _, ok := types[col]; !ok {
			types[col] = inferFieldType(col, data)
		}
	}
	types[syncedAtColumn] = bigquery.TimestampFieldType
	return types
}

func inferFieldType(col string, data *ResultTable) bigquery.FieldType {
	if col == syncedAtColumn {
		return bigquery.TimestampFieldType
	}
	for _, row := range data.Rows {
		switch row[col].(type) {
		case nil:
			continue
		case int, int32, int64:
			return bigquery.IntegerFieldType
		case float32, float64:
			return bigquery.FloatFieldType
		case bool:
			return bigquery.BooleanFieldType
		case time.Time:
			return bigquery.TimestampFieldType
		default:
			return bigquery.StringFieldType
		}
	}
	return bigquery.StringFieldType
}

// normalizeValue converts string representations of booleans and JSON
// documents into comparable values.
func normalizeValue(v bigquery.Value) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	}
	return v
}

// valuesEqual compares a stored value with an incoming one after
// normalization, treating numerically equal values as equal.
func valuesEqual(a, b bigquery.Value) bool {
	av := normalizeValue(a)
	bv := normalizeValue(b)
	if af, aok := asFloat(av); aok {
		if bf, bok := asFloat(bv); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(av, bv)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// prepareParam coerces a value to match the declared column type before it is
// bound as a query parameter. NULLs must be bound as the typed null wrapper;
// the client rejects a bare nil parameter before issuing the request.
func prepareParam(v bigquery.Value, t bigquery.FieldType) bigquery.Value {
	if v == nil {
		return typedNull(t)
	}
	switch t {
	case bigquery.StringFieldType:
		switch v.(type) {
		case map[string]any, []any:
			encoded, err := json.Marshal(v)
			if err == nil {
				return string(encoded)
			}
		}
	case bigquery.BooleanFieldType:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			switch strings.ToLower(b) {
			case "true":
				return true
			case "false":
				return false
			}
		case int:
			return b != 0
		case int64:
			return b != 0
		case float64:
			return b != 0
		}
	}
	return v
}

// typedNull returns the NULL wrapper matching the declared field type.
func typedNull(t bigquery.FieldType) bigquery.Value {
	switch t {
	case bigquery.IntegerFieldType:
		return bigquery.NullInt64{}
	case bigquery.FloatFieldType:
		return bigquery.NullFloat64{}
	case bigquery.BooleanFieldType:
		return bigquery.NullBool{}
	case bigquery.TimestampFieldType:
		return bigquery.NullTimestamp{}
	case bigquery.DateFieldType:
		return bigquery.NullDate{}
	case bigquery.TimeFieldType:
		return bigquery.NullTime{}
	case bigquery.DateTimeFieldType:
		return bigquery.NullDateTime{}
	case bigquery.GeographyFieldType:
		return bigquery.NullGeography{}
	default:
		return bigquery.NullString{}
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
