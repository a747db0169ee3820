package dbjob

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func testRC(ctx context.Context) *runContext {
	return &runContext{ctx: ctx, log: zerolog.Nop()}
}

func TestMaterializeListOrder(t *testing.T) {
	rows := rowsOf(t, sqlmock.NewRows([]string{"n"}).AddRow(1).AddRow(2).AddRow(3))
	got, err := materializeList[int64](testRC(context.Background()), rows)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("order not preserved: %v", got)
	}
}

func TestMaterializeFirstLeavesRemainder(t *testing.T) {
	rows := rowsOf(t, sqlmock.NewRows([]string{"n"}).AddRow(10).AddRow(20))
	got, err := materializeFirst[int64](testRC(context.Background()), rows, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if got != 10 {
		t.Fatalf("got %d", got)
	}
}

func TestMaterializeFirstEmpty(t *testing.T) {
	rows := rowsOf(t, sqlmock.NewRows([]string{"n"}))
	_, err := materializeFirst[int64](testRC(context.Background()), rows, false)
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("want ErrEmptyResult, got %v", err)
	}
	if KindOf(err) != KindCardinality {
		t.Fatalf("want cardinality kind, got %v", KindOf(err))
	}

	rows = rowsOf(t, sqlmock.NewRows([]string{"n"}))
	got, err := materializeFirst[int64](testRC(context.Background()), rows, true)
	if err != nil || got != 0 {
		t.Fatalf("orDefault: got %d, err %v", got, err)
	}
}

func TestMaterializeSingle(t *testing.T) {
	rows := rowsOf(t, sqlmock.NewRows([]string{"n"}).AddRow(7))
	got, err := materializeSingle[int64](testRC(context.Background()), rows, false)
	if err != nil || got != 7 {
		t.Fatalf("got %d, err %v", got, err)
	}

	rows = rowsOf(t, sqlmock.NewRows([]string{"n"}).AddRow(1).AddRow(2))
	_, err = materializeSingle[int64](testRC(context.Background()), rows, false)
	if !errors.Is(err, ErrMultipleRows) {
		t.Fatalf("want ErrMultipleRows, got %v", err)
	}

	rows = rowsOf(t, sqlmock.NewRows([]string{"n"}))
	_, err = materializeSingle[int64](testRC(context.Background()), rows, false)
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("want ErrEmptyResult, got %v", err)
	}
}

func TestMaterializeSlotsTwoSegments(t *testing.T) {
	users := sqlmock.NewRows([]string{"id", "full_name"}).AddRow(1, "ada").AddRow(2, "bob")
	count := sqlmock.NewRows([]string{"n"}).AddRow(2)
	rows := rowsOf(t, users, count)

	out, err := materializeSlots(testRC(context.Background()), rows,
		[]Slot{ListSlot[user](), FirstSlot[int64]().Required()})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	got := out[0].([]user)
	if len(got) != 2 || got[0].Name != "ada" || got[1].Name != "bob" {
		t.Fatalf("segment 0: %+v", got)
	}
	if out[1].(int64) != 2 {
		t.Fatalf("segment 1: %v", out[1])
	}
}

func TestMaterializeSlotsMissingBackfill(t *testing.T) {
	only := sqlmock.NewRows([]string{"n"}).AddRow(1)
	rows := rowsOf(t, only)

	out, err := materializeSlots(testRC(context.Background()), rows,
		[]Slot{ListSlot[int64](), ListSlot[user](), FirstSlot[int64]()})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if !reflect.DeepEqual(out[0], []int64{1}) {
		t.Fatalf("segment 0: %v", out[0])
	}
	if out[1].([]user) != nil {
		t.Fatalf("missing segment must backfill empty list, got %v", out[1])
	}
	if out[2].(int64) != 0 {
		t.Fatalf("missing segment must backfill zero value, got %v", out[2])
	}
}

func TestMaterializeSlotsMissingRequired(t *testing.T) {
	only := sqlmock.NewRows([]string{"n"}).AddRow(1)
	rows := rowsOf(t, only)

	_, err := materializeSlots(testRC(context.Background()), rows,
		[]Slot{ListSlot[int64](), FirstSlot[int64]().Required()})
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("want ErrEmptyResult, got %v", err)
	}
	if KindOf(err) != KindCardinality {
		t.Fatalf("want cardinality kind, got %v", KindOf(err))
	}
}

func TestMaterializeSlotsExtraSegmentsIgnored(t *testing.T) {
	a := sqlmock.NewRows([]string{"n"}).AddRow(1)
	b := sqlmock.NewRows([]string{"n"}).AddRow(2)
	c := sqlmock.NewRows([]string{"n"}).AddRow(3)
	rows := rowsOf(t, a, b, c)

	out, err := materializeSlots(testRC(context.Background()), rows,
		[]Slot{FirstSlot[int64](), FirstSlot[int64]()})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if out[0].(int64) != 1 || out[1].(int64) != 2 {
		t.Fatalf("got %v", out)
	}
}

func TestMaterializeSlotsTooMany(t *testing.T) {
	slots := make([]Slot, maxSlots+1)
	for i := range slots {
		slots[i] = FirstSlot[int64]()
	}
	rows := rowsOf(t, sqlmock.NewRows([]string{"n"}).AddRow(1))
	_, err := materializeSlots(testRC(context.Background()), rows, slots)
	if !errors.Is(err, ErrTooManySlots) {
		t.Fatalf("want ErrTooManySlots, got %v", err)
	}
}

func TestMaterializeSlotsCancelKeepsCompleted(t *testing.T) {
	a := sqlmock.NewRows([]string{"n"}).AddRow(1).AddRow(2)
	b := sqlmock.NewRows([]string{"n"}).AddRow(3)
	rows := rowsOf(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancelAfterFill := Slot{
		empty: func() any { var z []int64; return z },
		fill: func(rc *runContext, rows *sql.Rows, _ bool) (any, error) {
			v, err := materializeList[int64](rc, rows)
			cancel()
			return v, err
		},
	}

	out, err := materializeSlots(testRC(ctx), rows, []Slot{cancelAfterFill, FirstSlot[int64]()})
	if err != nil {
		t.Fatalf("cancellation is not a failure: %v", err)
	}
	if !reflect.DeepEqual(out[0], []int64{1, 2}) {
		t.Fatalf("completed slot must be kept: %v", out[0])
	}
	if out[1].(int64) != 0 {
		t.Fatalf("pending slot must keep its empty value: %v", out[1])
	}
}

func TestMaterializeTable(t *testing.T) {
	rs := sqlmock.NewRows([]string{"id", "id", "name"}).
		AddRow(int64(1), int64(10), "ada").
		AddRow(int64(2), int64(20), "bob")
	rows := rowsOf(t, rs)

	tbl, err := materializeTable(testRC(context.Background()), rows)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if !reflect.DeepEqual(tbl.ColumnNames(), []string{"id", "id", "name"}) {
		t.Fatalf("duplicate columns must be preserved: %v", tbl.ColumnNames())
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(tbl.Rows))
	}
	if tbl.Rows[1][2] != "bob" {
		t.Fatalf("cell: %v", tbl.Rows[1][2])
	}
}
