package service

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrEmptyQuery reports a query submission with no SQL text. It is returned
// before any call to the warehouse is made.
var ErrEmptyQuery = errors.New("query string cannot be empty")

// RowIterator is the subset of the BigQuery row iterator the job consumes.
// Next fills dst with the next row's values and returns iterator.Done after
// the last row.
type RowIterator interface {
	Schema() bigquery.Schema
	Next(dst *[]bigquery.Value) error
}

// QueryRunner submits one query as a warehouse job, waits for the terminal
// state and exposes the result rows.
type QueryRunner interface {
	Run(ctx context.Context, query string) (RowIterator, error)
	Close() error
}

// RunnerOpener opens a QueryRunner authenticated as creds against project.
// Tests substitute an opener returning a stub runner.
type RunnerOpener interface {
	Open(ctx context.Context, creds *google.Credentials, project string) (QueryRunner, error)
}

// Executor runs the modelling SQL against BigQuery and materializes the
// result. One Execute call is one synchronous warehouse job; there is no
// local retry, and warehouse errors are returned exactly as received.
type Executor struct {
	Project  string
	Location string
	Opener   RunnerOpener
	Limiter  *rate.Limiter
	Logger   *slog.Logger
}

func NewExecutor(project string) *Executor {
	return &Executor{
		Project: project,
		Limiter: rate.NewLimiter(rate.Inf, 0),
		Logger:  slog.Default(),
	}
}

// LimitQueriesPerMinute caps job submissions. 0 removes the cap.
func (e *Executor) LimitQueriesPerMinute(n int) {
	if n <= 0 {
		e.Limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	e.Limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
}

// Execute runs query authenticated with the service account file at
// credentialFile. The file must exist and query must be non-empty; both are
// checked before anything touches the network.
func (e *Executor) Execute(ctx context.Context, query, credentialFile string) (*ResultTable, error) {
	return e.ExecuteWith(ctx, query, FileCredentials{Path: credentialFile})
}

// ExecuteWith is Execute with the credential source abstracted away.
func (e *Executor) ExecuteWith(ctx context.Context, query string, provider CredentialProvider) (*ResultTable, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if query == "" {
		logger.ErrorContext(ctx, "Query string is empty")
		return nil, ErrEmptyQuery
	}

	creds, err := provider.Credentials(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load credentials", "error", err)
		return nil, err
	}

	project := e.Project
	if project == "" {
		project = creds.ProjectID
	}

	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	opener := e.Opener
	if opener == nil {
		opener = bigqueryOpener{location: e.Location}
	}
	runner, err := opener.Open(ctx, creds, project)
	if err != nil {
		return nil, err
	}
	defer runner.Close()
	logger.InfoContext(ctx, "BigQuery client created", "project", project)

	logger.InfoContext(ctx, "Executing query")
	it, err := runner.Run(ctx, query)
	if err != nil {
		// Warehouse errors pass through untouched so the caller sees the
		// client library's own type and message.
		return nil, err
	}

	table, err := collectRows(it)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "Query executed successfully", "rows", table.Len())
	return table, nil
}

func collectRows(it RowIterator) (*ResultTable, error) {
	table := &ResultTable{}
	setSchema := func() {
		table.Schema = it.Schema()
		for _, f := range table.Schema {
			table.Columns = append(table.Columns, f.Name)
		}
	}
	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if table.Schema == nil {
			// The iterator schema is populated once the first page arrives.
			setSchema()
		}
		row := make(Row, len(table.Columns))
		for i, col := range table.Columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		table.Rows = append(table.Rows, row)
	}
	if table.Schema == nil {
		setSchema()
	}
	return table, nil
}

// bigqueryOpener opens clients against the real service.
type bigqueryOpener struct {
	location string
}

func (o bigqueryOpener) Open(ctx context.Context, creds *google.Credentials, project string) (QueryRunner, error) {
	client, err := bigquery.NewClient(ctx, project, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}
	return &bigqueryRunner{client: client, location: o.location}, nil
}

type bigqueryRunner struct {
	client   *bigquery.Client
	location string
}

func (r *bigqueryRunner) Run(ctx context.Context, query string) (RowIterator, error) {
	q := r.client.Query(query)
	q.Location = r.location

	job, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	it, err := job.Read(ctx)
	if err != nil {
		return nil, err
	}
	return &bigqueryIterator{it: it}, nil
}

func (r *bigqueryRunner) Close() error {
	return r.client.Close()
}

type bigqueryIterator struct {
	it *bigquery.RowIterator
}

func (b *bigqueryIterator) Schema() bigquery.Schema {
	return b.it.Schema
}

func (b *bigqueryIterator) Next(dst *[]bigquery.Value) error {
	return b.it.Next(dst)
}
