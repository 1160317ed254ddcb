package service

import (
	"context"
	"fmt"
)

// SyncDriver runs the modelling SQL and reconciles the result into a
// warehouse table keyed by a reference column, so the destination keeps rows
// that dropped out of the query result.
type SyncDriver struct {
	syncer *Syncer
}

func NewSyncDriver(syncer *Syncer) *SyncDriver {
	return &SyncDriver{syncer: syncer}
}

func (d *SyncDriver) Execute(ctx context.Context, exec *Executor, params RunParams) (RunResult, error) {
	if params.SyncTable == "" || params.ReferenceColumn == "" {
		return RunResult{}, fmt.Errorf("sync driver requires a destination table and reference column")
	}
	result, err := exec.Execute(ctx, params.Query, params.CredentialFile)
	if err != nil {
		return RunResult{}, err
	}
	stats, err := d.syncer.Sync(ctx, params.SyncTable, params.ReferenceColumn, result)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{
		Rows:     int64(result.Len()),
		Inserted: stats.Inserted,
		Updated:  stats.Updated,
	}, nil
}
