package service

import "cloud.google.com/go/bigquery"

// Row is a single result row keyed by column name.
type Row map[string]bigquery.Value

// ResultTable is a fully materialized query result. Columns preserves the
// order reported by the warehouse; Schema is kept so downstream mirrors can
// map types without re-running the query.
type ResultTable struct {
	Schema  bigquery.Schema
	Columns []string
	Rows    []Row
}

func (t *ResultTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Values returns the row's values in column order.
func (t *ResultTable) Values(r Row) []bigquery.Value {
	out := make([]bigquery.Value, len(t.Columns))
	for i, col := range t.Columns {
		out[i] = r[col]
	}
	return out
}
