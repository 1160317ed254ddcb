package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type recordedQuery struct {
	sql    string
	params []bigquery.QueryParameter
}

type fakeSyncClient struct {
	meta    *bigquery.TableMetadata
	metaErr error

	createdTable  string
	createdSchema bigquery.Schema
	addedFields   []*bigquery.FieldSchema

	existingSchema bigquery.Schema
	existingRows   [][]bigquery.Value

	queryErr  error
	failFirst int
	queries   []recordedQuery
}

func (f *fakeSyncClient) TableMetadata(ctx context.Context, table string) (*bigquery.TableMetadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeSyncClient) CreateTable(ctx context.Context, table string, schema bigquery.Schema) error {
	f.createdTable = table
	f.createdSchema = schema
	return nil
}

func (f *fakeSyncClient) AddColumns(ctx context.Context, table string, fields ...*bigquery.FieldSchema) error {
	f.addedFields = append(f.addedFields, fields...)
	return nil
}

func (f *fakeSyncClient) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	f.queries = append(f.queries, recordedQuery{sql: sql, params: params})
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("backendError: transient failure")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if strings.HasPrefix(sql, "SELECT") {
		return &stubIterator{schema: f.existingSchema, rows: f.existingRows}, nil
	}
	return &stubIterator{}, nil
}

func notFoundErr() error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: "table not found"}
}

func syncSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "task_gid", Type: bigquery.StringFieldType},
		{Name: "company_name", Type: bigquery.StringFieldType},
		{Name: "mrr", Type: bigquery.FloatFieldType},
	}
}

func syncResult(rows ...Row) *ResultTable {
	return &ResultTable{
		Schema:  syncSchema(),
		Columns: []string{"task_gid", "company_name", "mrr"},
		Rows:    rows,
	}
}

func TestSyncCreatesMissingTable(t *testing.T) {
	client := &fakeSyncClient{metaErr: notFoundErr()}
	syncer := NewSyncer(client, "test-project", "reporting")

	stats, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},
		Row{"task_gid": "2", "company_name": "Globex", "mrr": 20.0},
	))
	require.NoError(t, err)

	assert.Equal(t, "churn", client.createdTable)
	require.Len(t, client.createdSchema, 4)
	assert.Equal(t, "_synced_at", client.createdSchema[3].Name)
	assert.Equal(t, bigquery.TimestampFieldType, client.createdSchema[3].Type)

	assert.Equal(t, SyncStats{Inserted: 2, Updated: 0}, stats)

	// One SELECT for existing rows, one batched INSERT.
	require.Len(t, client.queries, 2)
	assert.Contains(t, client.queries[0].sql, "IN UNNEST(@ref_ids)")
	assert.Contains(t, client.queries[1].sql, "INSERT INTO `test-project.reporting.churn`")
	assert.Contains(t, client.queries[1].sql, "CURRENT_TIMESTAMP()")
	// Three columns per row, two rows.
	assert.Len(t, client.queries[1].params, 6)
}

func TestSyncPartitionsInsertsAndUpdates(t *testing.T) {
	schema := append(syncSchema(), &bigquery.FieldSchema{Name: "_synced_at", Type: bigquery.TimestampFieldType})
	client := &fakeSyncClient{
		meta:           &bigquery.TableMetadata{Schema: schema},
		existingSchema: syncSchema(),
		existingRows: [][]bigquery.Value{
			{"1", "Acme", 10.0},
			{"2", "Globex", 20.0},
		},
	}
	syncer := NewSyncer(client, "test-project", "reporting")

	stats, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},   // unchanged
		Row{"task_gid": "2", "company_name": "Globex", "mrr": 25.0}, // changed
		Row{"task_gid": "3", "company_name": "Initech", "mrr": 5.0}, // new
	))
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Inserted: 1, Updated: 1}, stats)

	// SELECT, one INSERT batch, one UPDATE statement.
	require.Len(t, client.queries, 3)
	assert.Contains(t, client.queries[1].sql, "INSERT INTO")
	assert.Contains(t, client.queries[2].sql, "UPDATE `test-project.reporting.churn`")
	assert.Contains(t, client.queries[2].sql, "WHERE task_gid = @task_gid")
	assert.Contains(t, client.queries[2].sql, "_synced_at = CURRENT_TIMESTAMP()")
}

func TestSyncAddsMissingColumns(t *testing.T) {
	client := &fakeSyncClient{
		meta: &bigquery.TableMetadata{Schema: bigquery.Schema{
			{Name: "task_gid", Type: bigquery.StringFieldType},
			{Name: "company_name", Type: bigquery.StringFieldType},
		}},
	}
	syncer := NewSyncer(client, "test-project", "reporting")

	_, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},
	))
	require.NoError(t, err)

	require.Len(t, client.addedFields, 2)
	assert.Equal(t, "mrr", client.addedFields[0].Name)
	assert.Equal(t, bigquery.FloatFieldType, client.addedFields[0].Type)
	assert.Equal(t, "_synced_at", client.addedFields[1].Name)
}

func TestSyncEmptyResultStillEnsuresTable(t *testing.T) {
	client := &fakeSyncClient{metaErr: notFoundErr()}
	syncer := NewSyncer(client, "test-project", "reporting")

	stats, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult())
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)

	// The destination is created even with nothing to write.
	assert.Equal(t, "churn", client.createdTable)
	require.Len(t, client.createdSchema, 4)
	assert.Equal(t, "_synced_at", client.createdSchema[3].Name)
	assert.Empty(t, client.queries)
}

func TestSyncRetriesTransientFailure(t *testing.T) {
	schema := append(syncSchema(), &bigquery.FieldSchema{Name: "_synced_at", Type: bigquery.TimestampFieldType})
	client := &fakeSyncClient{
		meta:      &bigquery.TableMetadata{Schema: schema},
		failFirst: 1,
	}
	syncer := NewSyncer(client, "test-project", "reporting")
	syncer.MaxAttempts = 2
	syncer.retryInterval = time.Millisecond

	stats, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},
	))
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Inserted: 1, Updated: 0}, stats)

	// Failed SELECT on the first attempt, then SELECT plus INSERT on the
	// second.
	require.Len(t, client.queries, 3)
	assert.Contains(t, client.queries[0].sql, "SELECT")
	assert.Contains(t, client.queries[1].sql, "SELECT")
	assert.Contains(t, client.queries[2].sql, "INSERT INTO")
}

func TestSyncBindsTypedNullParameters(t *testing.T) {
	client := &fakeSyncClient{metaErr: notFoundErr()}
	syncer := NewSyncer(client, "test-project", "reporting")

	_, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": nil, "mrr": nil},
	))
	require.NoError(t, err)

	require.Len(t, client.queries, 2)
	params := make(map[string]any, len(client.queries[1].params))
	for _, p := range client.queries[1].params {
		params[p.Name] = p.Value
	}
	assert.Equal(t, bigquery.NullString{}, params["company_name_0"])
	assert.Equal(t, bigquery.NullFloat64{}, params["mrr_0"])
}

func TestSyncMissingReferenceColumn(t *testing.T) {
	syncer := NewSyncer(&fakeSyncClient{}, "test-project", "reporting")
	_, err := syncer.Sync(context.Background(), "churn", "account_id", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},
	))
	require.Error(t, err)
}

func TestSyncSurfacesQueryError(t *testing.T) {
	boom := errors.New("permission denied")
	client := &fakeSyncClient{
		meta:     &bigquery.TableMetadata{Schema: syncSchema()},
		queryErr: boom,
	}
	syncer := NewSyncer(client, "test-project", "reporting")
	syncer.MaxAttempts = 1

	_, err := syncer.Sync(context.Background(), "churn", "task_gid", syncResult(
		Row{"task_gid": "1", "company_name": "Acme", "mrr": 10.0},
	))
	require.ErrorIs(t, err, boom)
}

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b bigquery.Value
		want bool
	}{
		{"identical strings", "acme", "acme", true},
		{"different strings", "acme", "globex", false},
		{"bool vs bool string", true, "true", true},
		{"false string", "false", false, true},
		{"int vs float", int64(3), 3.0, true},
		{"numeric string", "42", int64(42), true},
		{"json whitespace", `{"a":1}`, `{"a": 1}`, true},
		{"json different", `{"a":1}`, `{"a":2}`, false},
		{"nil vs value", nil, "x", false},
		{"nil vs nil", nil, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, valuesEqual(tc.a, tc.b))
		})
	}
}

func TestPrepareParam(t *testing.T) {
	v := prepareParam(map[string]any{"a": 1}, bigquery.StringFieldType)
	assert.Equal(t, `{"a":1}`, v)

	assert.Equal(t, true, prepareParam("true", bigquery.BooleanFieldType))
	assert.Equal(t, false, prepareParam("False", bigquery.BooleanFieldType))
	assert.Equal(t, true, prepareParam(int64(1), bigquery.BooleanFieldType))
	assert.Equal(t, "plain", prepareParam("plain", bigquery.StringFieldType))

	// NULLs bind as the typed null wrapper for the declared column type.
	assert.Equal(t, bigquery.NullBool{}, prepareParam(nil, bigquery.BooleanFieldType))
	assert.Equal(t, bigquery.NullString{}, prepareParam(nil, bigquery.StringFieldType))
	assert.Equal(t, bigquery.NullFloat64{}, prepareParam(nil, bigquery.FloatFieldType))
	assert.Equal(t, bigquery.NullInt64{}, prepareParam(nil, bigquery.IntegerFieldType))
	assert.Equal(t, bigquery.NullTimestamp{}, prepareParam(nil, bigquery.TimestampFieldType))
}
