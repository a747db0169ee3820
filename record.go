package dbjob

import "strings"

// Record is one row materialized without a target type: an ordered mapping
// from column name to value. Column order matches the cursor; duplicate
// column names are preserved positionally, with name lookup resolving to
// the first occurrence.
type Record struct {
	cols  []string
	vals  []any
	index map[string]int // lower-cased name -> first position
}

func newRecord(cols []string, vals []any) Record {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		key := strings.ToLower(c)
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return Record{cols: cols, vals: vals, index: idx}
}

// Columns returns the column names in cursor order.
func (r Record) Columns() []string {
	out := make([]string, len(r.cols))
	copy(out, r.cols)
	return out
}

// Values returns the row values in cursor order.
func (r Record) Values() []any {
	out := make([]any, len(r.vals))
	copy(out, r.vals)
	return out
}

// Get returns the value of the named column (case-insensitive). For
// duplicate column names it returns the first occurrence.
func (r Record) Get(name string) (any, bool) {
	i, ok := r.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return r.vals[i], true
}

// At returns the value at column position i.
func (r Record) At(i int) any { return r.vals[i] }

// Len returns the number of columns.
func (r Record) Len() int { return len(r.cols) }

// Column is one column of a Table: the driver-reported name and database
// type name.
type Column struct {
	Name         string
	DatabaseType string
}

// Table is a fully buffered result segment: the ordered column schema plus
// every row, independent of any target-type mapping. Duplicate column names
// are permitted and preserved.
type Table struct {
	Cols []Column
	Rows [][]any
}

// ColumnNames returns the column names in cursor order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		out[i] = c.Name
	}
	return out
}
