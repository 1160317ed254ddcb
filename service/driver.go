package service

import "context"

// RunParams describes one reporting run: the modelling SQL plus the
// destination-specific settings.
type RunParams struct {
	Query          string
	CredentialFile string

	// MartTable is the destination table for the mart driver.
	MartTable string

	// SyncTable and ReferenceColumn are used by the sync driver.
	SyncTable       string
	ReferenceColumn string
}

type RunResult struct {
	Rows      int64
	MartTable string
	Inserted  int
	Updated   int
}

// ReportDriver executes the modelling SQL through the executor and delivers
// the result to a reporting destination.
type ReportDriver interface {
	Execute(ctx context.Context, exec *Executor, params RunParams) (RunResult, error)
}
