package dbjob

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
)

func paramsOf(t *testing.T, sources ...any) *ParamSet {
	t.Helper()
	ps := NewParamSet()
	for _, src := range sources {
		if err := bindSource(ps, src, BindOptions{}); err != nil {
			t.Fatalf("bind %T: %v", src, err)
		}
	}
	return ps
}

func TestBuildTextPostgres(t *testing.T) {
	ps := paramsOf(t, map[string]any{"id": 7, "name": "ada"})
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM users WHERE id = :id AND name = :name", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "SELECT * FROM users WHERE id = $1 AND name = $2"
	if cmd.query != want {
		t.Fatalf("query:\nwant %q\ngot  %q", want, cmd.query)
	}
	if !reflect.DeepEqual(cmd.args, []any{7, "ada"}) {
		t.Fatalf("args: %#v", cmd.args)
	}
}

func TestBuildTextSQLServer(t *testing.T) {
	ps := paramsOf(t, map[string]any{"id": 7})
	cmd, err := buildCommand(SQLServer, defaultConfig(SQLServer), CommandText,
		"SELECT * FROM users WHERE id = :id", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT * FROM users WHERE id = @p1"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
}

func TestBuildSliceExpansion(t *testing.T) {
	ps := paramsOf(t, map[string]any{"ids": []int{10, 20, 30}})
	cmd, err := buildCommand(MySQL, defaultConfig(MySQL), CommandText,
		"SELECT * FROM t WHERE id IN (:ids)", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT * FROM t WHERE id IN (?, ?, ?)"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
	if !reflect.DeepEqual(cmd.args, []any{10, 20, 30}) {
		t.Fatalf("args: %#v", cmd.args)
	}
}

func TestBuildEmptySlice(t *testing.T) {
	ps := paramsOf(t, map[string]any{"ids": []int{}})
	_, err := buildCommand(MySQL, defaultConfig(MySQL), CommandText,
		"SELECT * FROM t WHERE id IN (:ids)", ps, 0)
	if !errors.Is(err, ErrEmptySlice) {
		t.Fatalf("want ErrEmptySlice, got %v", err)
	}
}

func TestBuildScalarWrapperSuppressesExpansion(t *testing.T) {
	ps := paramsOf(t, map[string]any{"ids": Scalar([]int64{1, 2})})
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM t WHERE id = ANY(:ids)", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT * FROM t WHERE id = ANY($1)"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
	if len(cmd.args) != 1 {
		t.Fatalf("want 1 arg, got %d", len(cmd.args))
	}
}

func TestBuildInertRegions(t *testing.T) {
	ps := paramsOf(t, map[string]any{"id": 1})
	q := "SELECT ':skip' AS a, \":skip\" -- :skip\n/* :skip */ FROM t WHERE id = :id"
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText, q, ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "SELECT ':skip' AS a, \":skip\" -- :skip\n/* :skip */ FROM t WHERE id = $1"
	if cmd.query != want {
		t.Fatalf("query:\nwant %q\ngot  %q", want, cmd.query)
	}
}

func TestBuildDoubleColonEscape(t *testing.T) {
	ps := paramsOf(t, map[string]any{"id": 1})
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT x::text FROM t WHERE id = :id", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT x::text FROM t WHERE id = $1"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
}

func TestBuildAnonymousResolvesOnce(t *testing.T) {
	ps := paramsOf(t, 99)
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM t WHERE id = :id", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(cmd.args, []any{99}) {
		t.Fatalf("args: %#v", cmd.args)
	}

	// A second unmatched placeholder has nothing left to claim.
	_, err = buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM t WHERE id = :id OR other = :other", paramsOf(t, 99), 0)
	if !errors.Is(err, ErrParamMissing) {
		t.Fatalf("want ErrParamMissing, got %v", err)
	}
}

func TestBuildAnonymousRepeatedName(t *testing.T) {
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM t WHERE a = :x OR b = :x", paramsOf(t, 5), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT * FROM t WHERE a = $1 OR b = $2"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
	if !reflect.DeepEqual(cmd.args, []any{5, 5}) {
		t.Fatalf("repeats of the claimed name must reuse the value: %#v", cmd.args)
	}
}

func TestBuildMissingParam(t *testing.T) {
	_, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText,
		"SELECT * FROM t WHERE id = :id", NewParamSet(), 0)
	if !errors.Is(err, ErrParamMissing) {
		t.Fatalf("want ErrParamMissing, got %v", err)
	}
	if KindOf(err) != KindBinding {
		t.Fatalf("want binding kind, got %v", KindOf(err))
	}
}

func TestBuildMaxParams(t *testing.T) {
	cfg := defaultConfig(MySQL)
	cfg.MaxParams = 2
	ps := paramsOf(t, map[string]any{"ids": []int{1, 2, 3}})
	_, err := buildCommand(MySQL, cfg, CommandText, "SELECT * FROM t WHERE id IN (:ids)", ps, 0)
	if !errors.Is(err, ErrTooManyParams) {
		t.Fatalf("want ErrTooManyParams, got %v", err)
	}
	if KindOf(err) != KindConfig {
		t.Fatalf("want config kind, got %v", KindOf(err))
	}
}

func TestBuildNameTooLong(t *testing.T) {
	cfg := defaultConfig(Postgres)
	cfg.MaxNameLen = 3
	ps := paramsOf(t, map[string]any{"longer": 1})
	_, err := buildCommand(Postgres, cfg, CommandText, "SELECT :longer", ps, 0)
	if !errors.Is(err, ErrParamNameTooLong) {
		t.Fatalf("want ErrParamNameTooLong, got %v", err)
	}
}

func TestBuildEmptyText(t *testing.T) {
	_, err := buildCommand(Postgres, defaultConfig(Postgres), CommandText, "   ", NewParamSet(), 0)
	if KindOf(err) != KindConfig {
		t.Fatalf("want config kind, got %v", err)
	}
}

func TestBuildProcCall(t *testing.T) {
	cases := []struct {
		dialect Dialect
		want    string
	}{
		{Postgres, "SELECT * FROM find_user($1, $2)"},
		{SQLServer, "EXEC find_user @p1, @p2"},
		{MySQL, "CALL find_user(?, ?)"},
		{SQLite, "CALL find_user(?, ?)"},
	}
	for _, tc := range cases {
		ps := NewParamSet()
		if err := ps.Add(Param{Name: "id", Value: 1}); err != nil {
			t.Fatal(err)
		}
		if err := ps.Add(Param{Name: "name", Value: "ada"}); err != nil {
			t.Fatal(err)
		}
		cmd, err := buildCommand(tc.dialect, defaultConfig(tc.dialect), CommandStoredProc, "find_user", ps, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.dialect, err)
		}
		if cmd.query != tc.want {
			t.Fatalf("%s: want %q, got %q", tc.dialect, tc.want, cmd.query)
		}
	}
}

func TestBuildProcTypeHint(t *testing.T) {
	ps := NewParamSet()
	if err := ps.Add(Param{Name: "year", Value: 2024, TypeHint: "int4"}); err != nil {
		t.Fatal(err)
	}
	cmd, err := buildCommand(Postgres, defaultConfig(Postgres), CommandStoredProc, "refresh_totals", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "SELECT * FROM refresh_totals($1::int4)"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}

	// Dialects without cast syntax ignore the hint.
	cmd, err = buildCommand(MySQL, defaultConfig(MySQL), CommandStoredProc, "refresh_totals", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := "CALL refresh_totals(?)"; cmd.query != want {
		t.Fatalf("query: want %q, got %q", want, cmd.query)
	}
}

func TestBuildProcOutParam(t *testing.T) {
	var total int64
	ps := NewParamSet()
	if err := ps.Add(Param{Name: "total", Value: &total, Direction: Out}); err != nil {
		t.Fatal(err)
	}
	cmd, err := buildCommand(SQLServer, defaultConfig(SQLServer), CommandStoredProc, "sum_orders", ps, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, ok := cmd.args[0].(sql.Out)
	if !ok {
		t.Fatalf("want sql.Out arg, got %T", cmd.args[0])
	}
	if out.Dest != &total || out.In {
		t.Fatalf("out descriptor wrong: %#v", out)
	}
}
