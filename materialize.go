package dbjob

import (
	"database/sql"
	"fmt"
)

// maxSlots bounds the arity of a multi-result-set job.
const maxSlots = 8

// Slot describes how one positional result segment is materialized into one
// output slot of a multi-result-set job. Segment k fills slot k; a segment
// the cursor never produces leaves the slot at its shape's natural empty
// value unless the slot is marked Required.
type Slot struct {
	required bool
	empty    func() any
	fill     func(rc *runContext, rows *sql.Rows, required bool) (any, error)
}

// Required marks the slot as non-optional: a cursor that does not produce
// its segment fails the run instead of backfilling the empty value.
func (s Slot) Required() Slot {
	s.required = true
	return s
}

// ListSlot materializes its segment as []T, all rows buffered in order.
func ListSlot[T any]() Slot {
	return Slot{
		empty: func() any { var z []T; return z },
		fill: func(rc *runContext, rows *sql.Rows, _ bool) (any, error) {
			return materializeList[T](rc, rows)
		},
	}
}

// FirstSlot materializes row 0 of its segment; an empty segment yields the
// zero T, or ErrEmptyResult if the slot is Required.
func FirstSlot[T any]() Slot {
	return Slot{
		empty: func() any { var z T; return z },
		fill: func(rc *runContext, rows *sql.Rows, required bool) (any, error) {
			return materializeFirst[T](rc, rows, !required)
		},
	}
}

// SingleSlot materializes exactly one row; a second row in the segment is a
// cardinality violation. An empty segment yields the zero T unless Required.
func SingleSlot[T any]() Slot {
	return Slot{
		empty: func() any { var z T; return z },
		fill: func(rc *runContext, rows *sql.Rows, required bool) (any, error) {
			return materializeSingle[T](rc, rows, !required)
		},
	}
}

// TableSlot captures its segment's full column schema and all rows.
func TableSlot() Slot {
	return Slot{
		empty: func() any { return &Table{} },
		fill: func(rc *runContext, rows *sql.Rows, _ bool) (any, error) {
			return materializeTable(rc, rows)
		},
	}
}

// RecordsSlot materializes its segment as []Record with every column retained.
func RecordsSlot() Slot {
	return Slot{
		empty: func() any { var z []Record; return z },
		fill: func(rc *runContext, rows *sql.Rows, _ bool) (any, error) {
			return materializeList[Record](rc, rows)
		},
	}
}

// materializeSlots demultiplexes the cursor's result segments into the
// requested slots, in order, never skipping or reordering. Missing segments
// backfill empty values; extra segments are ignored. Cancellation stops
// the walk at the next boundary, keeping already-completed slots.
func materializeSlots(rc *runContext, rows *sql.Rows, slots []Slot) ([]any, error) {
	if len(slots) > maxSlots {
		return nil, newError(KindConfig, "materializer",
			fmt.Errorf("%w: %d > %d", ErrTooManySlots, len(slots), maxSlots))
	}

	out := make([]any, len(slots))
	for i := range slots {
		out[i] = slots[i].empty()
	}

	for i := range slots {
		if rc.canceled() {
			// Cooperative early stop: later slots keep their empty defaults.
			return out, nil
		}
		if i > 0 {
			if !rows.NextResultSet() {
				if err := rows.Err(); err != nil && !rc.canceled() {
					return out, newError(KindCommand, "materializer", err)
				}
				for j := i; j < len(slots); j++ {
					if slots[j].required {
						return out, newError(KindCardinality, "materializer",
							fmt.Errorf("%w: result set %d not produced", ErrEmptyResult, j))
					}
				}
				return out, nil
			}
		}
		v, err := slots[i].fill(rc, rows, slots[i].required)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// materializeFirst reads row 0 of the current segment. With orDefault the
// empty segment yields the zero T; otherwise it is a cardinality violation.
func materializeFirst[T any](rc *runContext, rows *sql.Rows, orDefault bool) (T, error) {
	var zero T
	if rc.canceled() {
		return zero, nil
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil && !rc.canceled() {
			return zero, newError(KindCommand, "materializer", err)
		}
		if orDefault {
			return zero, nil
		}
		return zero, newError(KindCardinality, "materializer", ErrEmptyResult)
	}
	dec, err := newRowDecoder[T](rows, rc.overrides)
	if err != nil {
		return zero, err
	}
	v, err := dec.decode(rows)
	if err != nil {
		return zero, err
	}
	// Remaining rows of the segment are left unread on purpose: first-row
	// shapes never demand a drained cursor.
	return v, nil
}

// materializeSingle reads exactly one row of the current segment. A second
// row violates the shape contract.
func materializeSingle[T any](rc *runContext, rows *sql.Rows, orDefault bool) (T, error) {
	var zero T
	if rc.canceled() {
		return zero, nil
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil && !rc.canceled() {
			return zero, newError(KindCommand, "materializer", err)
		}
		if orDefault {
			return zero, nil
		}
		return zero, newError(KindCardinality, "materializer", ErrEmptyResult)
	}
	dec, err := newRowDecoder[T](rows, rc.overrides)
	if err != nil {
		return zero, err
	}
	v, err := dec.decode(rows)
	if err != nil {
		return zero, err
	}
	if !rc.canceled() && rows.Next() {
		return zero, newError(KindCardinality, "materializer", ErrMultipleRows)
	}
	return v, nil
}

// materializeList buffers every row of the current segment, in order.
// Cancellation returns what has been materialized so far without error.
func materializeList[T any](rc *runContext, rows *sql.Rows) ([]T, error) {
	dec, err := newRowDecoder[T](rows, rc.overrides)
	if err != nil {
		return nil, err
	}
	var out []T
	for {
		if rc.canceled() {
			return out, nil
		}
		if !rows.Next() {
			break
		}
		v, err := dec.decode(rows)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil && !rc.canceled() {
		return out, newError(KindCommand, "materializer", err)
	}
	return out, nil
}

// materializeTable captures the current segment's column schema and rows
// exactly as the cursor reports them, duplicate column names included.
func materializeTable(rc *runContext, rows *sql.Rows) (*Table, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, newError(KindMapping, "mapper", err)
	}
	t := &Table{Cols: make([]Column, len(cts))}
	for i, ct := range cts {
		t.Cols[i] = Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}
	cols := make([]string, len(cts))
	for i, ct := range cts {
		cols[i] = ct.Name()
	}
	for {
		if rc.canceled() {
			return t, nil
		}
		if !rows.Next() {
			break
		}
		rec, err := scanRecord(rows, cols)
		if err != nil {
			return t, err
		}
		t.Rows = append(t.Rows, rec.vals)
	}
	if err := rows.Err(); err != nil && !rc.canceled() {
		return t, newError(KindCommand, "materializer", err)
	}
	return t, nil
}
