package dbjob

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
)

// boundInput is one parameter source queued for binding at run time.
type boundInput struct {
	src  any
	opts BindOptions
}

// Job is a declarative database command: the text or procedure name, its
// parameter sources, and the execution policy (transaction, timeout,
// retries, fallback, column overrides). A Job describes the run; nothing
// touches the database until one of the run entry points is called.
//
// Configuration freezes at the first run: later setters poison the job with
// ErrJobStarted. A frozen job may be run any number of times; each run
// binds, builds, and acquires independently.
type Job struct {
	e *Engine

	ctype        CommandType
	text         string
	inputs       []boundInput
	timeout      time.Duration
	retries      int
	isolation    sql.IsolationLevel
	wantsTx      bool
	keepOnCancel bool
	fallback     any
	hasFallback  bool
	overrides    map[string]string
	on           Queryer
	onSuccess    func(any)
	onFailure    func(error)

	mu       sync.Mutex
	started  bool
	cfgErr   error
	lastErr  error
	attempts int
}

// Job starts a text-command job over the engine's pool.
func (e *Engine) Job(text string) *Job {
	return &Job{e: e, ctype: CommandText, text: text, retries: e.config.DefaultRetries}
}

// Proc starts a stored-procedure job; the call statement is rendered per
// the engine's dialect from the bound parameters.
func (e *Engine) Proc(name string) *Job {
	return &Job{e: e, ctype: CommandStoredProc, text: name, retries: e.config.DefaultRetries}
}

// set applies a configuration mutation unless the job has started.
func (j *Job) set(f func()) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		if j.cfgErr == nil {
			j.cfgErr = ErrJobStarted
		}
		return j
	}
	if j.cfgErr != nil {
		return j
	}
	f()
	return j
}

// Bind queues parameter sources: structs, maps, Param values, ParamSets, or
// a single anonymous scalar. Sources bind in order at run time; a name
// provided twice is a binding error.
func (j *Job) Bind(sources ...any) *Job {
	return j.set(func() {
		for _, src := range sources {
			j.inputs = append(j.inputs, boundInput{src: src})
		}
	})
}

// BindWith queues one parameter source with include/exclude/rename options.
func (j *Job) BindWith(src any, opts BindOptions) *Job {
	return j.set(func() {
		j.inputs = append(j.inputs, boundInput{src: src, opts: opts})
	})
}

// BindValue queues a single named parameter.
func (j *Job) BindValue(name string, v any) *Job {
	return j.set(func() {
		j.inputs = append(j.inputs, boundInput{src: Param{Name: name, Value: v}})
	})
}

// BindOut queues an output parameter; dest receives the value the procedure
// assigns. Drivers without output support reject the argument at execution.
func (j *Job) BindOut(name string, dest any) *Job {
	return j.set(func() {
		j.inputs = append(j.inputs, boundInput{src: Param{Name: name, Value: dest, Direction: Out}})
	})
}

// Timeout sets the per-run command deadline, overriding the engine default.
func (j *Job) Timeout(d time.Duration) *Job {
	return j.set(func() { j.timeout = d })
}

// Retries grants n extra attempts for transient connection-level failures.
// The connection and transaction are rebuilt from scratch between attempts.
func (j *Job) Retries(n int) *Job {
	return j.set(func() {
		if n < 0 {
			n = 0
		}
		j.retries = n
	})
}

// Transaction wraps each run in its own transaction at the given isolation
// level, committed on success and rolled back on failure or cancellation.
// Ignored when the job is chained to a shared scope via On.
func (j *Job) Transaction(iso sql.IsolationLevel) *Job {
	return j.set(func() {
		j.wantsTx = true
		j.isolation = iso
	})
}

// KeepOnCancel commits the transaction even when the run ends by
// cancellation, preserving whatever partial work completed.
func (j *Job) KeepOnCancel() *Job {
	return j.set(func() { j.keepOnCancel = true })
}

// Fallback substitutes v as the run's result when it would otherwise fail.
// The original error stays observable via LastError and OnFailure; canceled
// runs are never substituted.
func (j *Job) Fallback(v any) *Job {
	return j.set(func() {
		j.fallback = v
		j.hasFallback = true
	})
}

// MapColumn overrides the mapper for one result column, directing it into
// the named struct field regardless of name-based matching. Overrides are
// consulted before tags and field names and win on ambiguity.
func (j *Job) MapColumn(column, field string) *Job {
	return j.set(func() {
		if j.overrides == nil {
			j.overrides = make(map[string]string)
		}
		j.overrides[strings.ToLower(column)] = field
	})
}

// On chains the job to a shared scope, typically a *sql.Tx or *sql.Conn the
// caller owns. The run uses it directly: no connection is acquired, no
// transaction is opened or resolved, and the scope survives the run.
func (j *Job) On(q Queryer) *Job {
	return j.set(func() { j.on = q })
}

// OnSuccess registers a hook invoked with the materialized value after a
// successful run.
func (j *Job) OnSuccess(f func(any)) *Job {
	return j.set(func() { j.onSuccess = f })
}

// OnFailure registers a hook invoked with the classified error when a run
// fails, before any fallback substitution. Not invoked for canceled runs.
func (j *Job) OnFailure(f func(error)) *Job {
	return j.set(func() { j.onFailure = f })
}

// LastError returns the classified error of the most recent run, or nil.
// With a fallback configured this is the only way to observe the failure.
func (j *Job) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Attempts returns how many attempts the most recent run consumed.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *Job) freeze() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cfgErr != nil {
		return newError(KindConfig, "job", j.cfgErr)
	}
	j.started = true
	return nil
}

func (j *Job) setLastError(err error) {
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
}

func (j *Job) setAttempts(n int) {
	j.mu.Lock()
	j.attempts = n
	j.mu.Unlock()
}

func (j *Job) effectiveTimeout() time.Duration {
	if j.timeout > 0 {
		return j.timeout
	}
	return j.e.config.DefaultTimeout
}

// bindParams folds the queued sources into one ParamSet, in order.
func (j *Job) bindParams() (*ParamSet, error) {
	ps := NewParamSet()
	for _, in := range j.inputs {
		if err := bindSource(ps, in.src, in.opts); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// assertAs converts a pipeline result to the requested type. A nil result
// (canceled run, typed-nil fallback) yields the zero value.
func assertAs[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, newError(KindConfig, "job",
			fmt.Errorf("dbjob: result type %T does not match requested %T", v, zero))
	}
	return t, nil
}

// Exec runs the job for its side effects and returns the affected row count.
func (j *Job) Exec(ctx context.Context) (int64, error) {
	v, err := j.run(ctx, execOp)
	if err != nil {
		return 0, err
	}
	return assertAs[int64](v)
}

// First runs the job and returns row 0 of the first result set. An empty
// result is a cardinality error.
func First[T any](ctx context.Context, j *Job) (T, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeFirst[T](rc, rows, false)
	}))
	if err != nil {
		var zero T
		return zero, err
	}
	return assertAs[T](v)
}

// FirstOrDefault is First, except an empty result yields the zero T.
func FirstOrDefault[T any](ctx context.Context, j *Job) (T, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeFirst[T](rc, rows, true)
	}))
	if err != nil {
		var zero T
		return zero, err
	}
	return assertAs[T](v)
}

// Single runs the job and returns exactly one row; zero rows or more than
// one row is a cardinality error.
func Single[T any](ctx context.Context, j *Job) (T, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeSingle[T](rc, rows, false)
	}))
	if err != nil {
		var zero T
		return zero, err
	}
	return assertAs[T](v)
}

// List runs the job and buffers every row of the first result set, in
// cursor order.
func List[T any](ctx context.Context, j *Job) ([]T, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeList[T](rc, rows)
	}))
	if err != nil {
		return nil, err
	}
	return assertAs[[]T](v)
}

// QueryRecords runs the job and buffers every row of the first result set
// as Records, preserving every column.
func (j *Job) QueryRecords(ctx context.Context) ([]Record, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeList[Record](rc, rows)
	}))
	if err != nil {
		return nil, err
	}
	return assertAs[[]Record](v)
}

// QueryTable runs the job and captures the first result set's full column
// schema and rows, duplicate column names included.
func (j *Job) QueryTable(ctx context.Context) (*Table, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeTable(rc, rows)
	}))
	if err != nil {
		return nil, err
	}
	return assertAs[*Table](v)
}

// Results runs the job and demultiplexes its result sets into the given
// slots, segment k into slot k. Missing trailing segments backfill each
// slot's natural empty value unless the slot is Required.
func Results(ctx context.Context, j *Job, slots ...Slot) ([]any, error) {
	v, err := j.run(ctx, queryOp(func(rc *runContext, rows *sql.Rows) (any, error) {
		return materializeSlots(rc, rows, slots)
	}))
	if err != nil {
		return nil, err
	}
	return assertAs[[]any](v)
}

// Cursor is a lazy forward-only view over the first result set of an open
// run. The connection and transaction stay held until Close; rows decode
// one at a time as Next advances. Not safe for concurrent use.
type Cursor[T any] struct {
	j      *Job
	rc     *runContext
	rows   *sql.Rows
	dec    *rowDecoder[T]
	cur    T
	err    error
	closed bool
}

// Open runs the job and returns a lazy cursor over its rows. The caller
// owns the cursor and must Close it; Close resolves the transaction and
// releases the connection.
func Open[T any](ctx context.Context, j *Job) (*Cursor[T], error) {
	rc, rows, err := j.runOpen(ctx)
	if err != nil {
		return nil, err
	}
	dec, err := newRowDecoder[T](rows, rc.overrides)
	if err != nil {
		if ferr := rc.finish(err); ferr != nil {
			rc.log.Debug().Err(ferr).Msg("cursor teardown after decoder failure")
		}
		j.setLastError(err)
		return nil, err
	}
	return &Cursor[T]{j: j, rc: rc, rows: rows, dec: dec}, nil
}

// Next advances to the next row, decoding it into Value. It returns false
// at the end of the result set, on error, on cancellation, or after Close.
func (c *Cursor[T]) Next() bool {
	if c.closed {
		c.err = newError(KindConfig, "materializer", ErrCursorDisposed)
		return false
	}
	if c.err != nil || c.rc.canceled() {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil && !c.rc.canceled() {
			c.err = newError(KindCommand, "materializer", err)
		}
		return false
	}
	v, err := c.dec.decode(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = v
	return true
}

// Value returns the row decoded by the last successful Next.
func (c *Cursor[T]) Value() T { return c.cur }

// Err returns the first error encountered while iterating.
func (c *Cursor[T]) Err() error { return c.err }

// Close resolves the run: the transaction commits when iteration saw no
// error, the connection returns to the pool, and further Next calls fail
// with ErrCursorDisposed. Close is idempotent.
func (c *Cursor[T]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rc.finish(c.err)
	c.j.setLastError(c.err)
	return err
}

// All returns a single-use iterator over the remaining rows. The cursor
// closes when iteration finishes or the consumer breaks early; a decode or
// cursor error is yielded as the final pair.
func (c *Cursor[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.cur, nil) {
				return
			}
		}
		if c.err != nil {
			var zero T
			yield(zero, c.err)
		}
	}
}

// Pending is the handle of a run executing in the background.
type Pending[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Async starts fn in its own goroutine and returns its Pending handle.
func Async[T any](fn func() (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.val, p.err = fn()
	}()
	return p
}

// Done returns a channel closed when the background run finishes.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the background run finishes or ctx is signaled.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, newError(KindCanceled, "job", ctx.Err())
	}
}

// Go runs Exec in the background, returning a handle to the row count.
func (j *Job) Go(ctx context.Context) *Pending[int64] {
	return Async(func() (int64, error) { return j.Exec(ctx) })
}
