package service

import "context"

// WarehouseDriver runs the modelling SQL and leaves materialization to the
// statements themselves: the reporting tables are created and replaced by the
// DDL inside the query, and the dashboard reads them directly.
type WarehouseDriver struct{}

func NewWarehouseDriver() *WarehouseDriver {
	return &WarehouseDriver{}
}

func (d *WarehouseDriver) Execute(ctx context.Context, exec *Executor, params RunParams) (RunResult, error) {
	table, err := exec.Execute(ctx, params.Query, params.CredentialFile)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Rows: int64(table.Len())}, nil
}
