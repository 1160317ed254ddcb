package service

import (
	"context"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"
)

// WarehouseSyncClient is the production SyncClient backed by a BigQuery
// client scoped to one dataset.
type WarehouseSyncClient struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
}

func NewWarehouseSyncClient(ctx context.Context, project, dataset string, provider CredentialProvider) (*WarehouseSyncClient, error) {
	creds, err := provider.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	client, err := bigquery.NewClient(ctx, project, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}
	return &WarehouseSyncClient{
		client:  client,
		dataset: client.DatasetInProject(project, dataset),
	}, nil
}

func (w *WarehouseSyncClient) Close() error {
	return w.client.Close()
}

func (w *WarehouseSyncClient) TableMetadata(ctx context.Context, table string) (*bigquery.TableMetadata, error) {
	return w.dataset.Table(table).Metadata(ctx)
}

func (w *WarehouseSyncClient) CreateTable(ctx context.Context, table string, schema bigquery.Schema) error {
	return w.dataset.Table(table).Create(ctx, &bigquery.TableMetadata{Schema: schema})
}

func (w *WarehouseSyncClient) AddColumns(ctx context.Context, table string, fields ...*bigquery.FieldSchema) error {
	ref := w.dataset.Table(table)
	meta, err := ref.Metadata(ctx)
	if err != nil {
		return err
	}
	update := bigquery.TableMetadataToUpdate{Schema: append(meta.Schema, fields...)}
	_, err = ref.Update(ctx, update, meta.ETag)
	return err
}

func (w *WarehouseSyncClient) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	q := w.client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	return &bigqueryIterator{it: it}, nil
}
