package service

import "context"

// MartDriver runs the modelling SQL and mirrors the result into the
// reporting mart.
type MartDriver struct {
	mart      *MartService
	batchSize int
}

func NewMartDriver(mart *MartService, batchSize int) *MartDriver {
	return &MartDriver{mart: mart, batchSize: batchSize}
}

func (d *MartDriver) Execute(ctx context.Context, exec *Executor, params RunParams) (RunResult, error) {
	table := params.MartTable
	if table == "" {
		table = "asana_reporting"
	}
	result, err := exec.Execute(ctx, params.Query, params.CredentialFile)
	if err != nil {
		return RunResult{}, err
	}
	rows, err := d.mart.Load(ctx, table, result, d.batchSize)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Rows: rows, MartTable: table}, nil
}
