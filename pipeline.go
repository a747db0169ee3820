package dbjob

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// state tracks one run through the execution pipeline.
type state int

const (
	stateConfigured state = iota
	stateConnectionAcquired
	stateTransactionOpen
	stateExecuting
	stateMaterializing
	stateCompleting
	stateSucceeded
	stateFailed
	stateCanceled
)

// String returns the string representation of the pipeline state.
func (s state) String() string {
	switch s {
	case stateConfigured:
		return "configured"
	case stateConnectionAcquired:
		return "connection_acquired"
	case stateTransactionOpen:
		return "transaction_open"
	case stateExecuting:
		return "executing"
	case stateMaterializing:
		return "materializing"
	case stateCompleting:
		return "completing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// materializeFn consumes the executed cursor within a live run.
type materializeFn func(rc *runContext, rows *sql.Rows) (any, error)

// runOp performs the driver round trip for one attempt.
type runOp func(rc *runContext, runCtx context.Context, cmd *command) (any, error)

// run drives the job through the pipeline: bind, build, acquire, execute,
// materialize, complete. Transient connection-level failures are retried
// with the connection and transaction fully torn down and rebuilt between
// attempts; command and semantic failures are never retried.
func (j *Job) run(ctx context.Context, op runOp) (any, error) {
	if err := j.freeze(); err != nil {
		return j.terminal(nil, err)
	}

	var out any
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			v, err := j.attempt(ctx, op)
			if err != nil {
				return err
			}
			out = v
			return nil
		},
		j.retryOptions(ctx)...,
	)
	j.setAttempts(attempts)
	return j.terminal(out, err)
}

func (j *Job) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(uint(j.retries + 1)),
		retry.RetryIf(func(err error) bool { return KindOf(err) == KindTransient }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.Delay(10 * time.Millisecond),
		retry.MaxDelay(250 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			j.e.log.Warn().Uint("attempt", n+1).Err(err).Msg("retrying after transient failure")
		}),
	}
}

// attempt performs one full pass through the pipeline states. Every
// resource acquired here is registered on the run context and released in
// reverse order at completion, whatever the terminal state.
func (j *Job) attempt(ctx context.Context, op runOp) (out any, err error) {
	ps, err := j.bindParams()
	if err != nil {
		return nil, err
	}
	cmd, err := buildCommand(j.e.dialect, j.e.config, j.ctype, j.text, ps, j.effectiveTimeout())
	if err != nil {
		return nil, err
	}

	rc := newRunContext(ctx, j)
	defer func() {
		rc.log.Debug().Str("state", stateCompleting.String()).Msg("run completing")
		if ferr := rc.finish(err); ferr != nil && err == nil {
			err = newError(KindCommand, "pipeline", ferr)
		}
	}()

	if err = j.acquire(ctx, rc); err != nil {
		return nil, err
	}

	runCtx := ctx
	if cmd.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.timeout)
		rc.onClose(func() error { cancel(); return nil })
	}

	rc.log.Debug().Str("state", stateExecuting.String()).Msg("executing command")
	return op(rc, runCtx, cmd)
}

// acquire obtains the run's executor: the caller's shared scope when the
// job was chained to one, otherwise a dedicated pooled connection, plus a
// transaction when the job requested one.
func (j *Job) acquire(ctx context.Context, rc *runContext) error {
	if j.on != nil {
		rc.q = j.on
		rc.external = true
		rc.log.Debug().Str("state", stateConnectionAcquired.String()).Msg("using shared scope")
		return nil
	}
	if j.e.db == nil {
		return newError(KindConfig, "pipeline", errors.New("dbjob: engine has no pool and job has no shared scope"))
	}

	conn, err := j.e.db.Conn(ctx)
	if err != nil {
		return classifyAcquire(err)
	}
	rc.onClose(conn.Close)
	rc.q = conn
	rc.log.Debug().Str("state", stateConnectionAcquired.String()).Msg("connection acquired")

	if j.wantsTx {
		// The transaction is begun detached from caller cancellation:
		// database/sql would otherwise roll it back the moment the context
		// ends, making commit-on-cancel impossible. finish decides the
		// outcome instead.
		tx, err := conn.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: j.isolation})
		if err != nil {
			return classifyAcquire(err)
		}
		rc.tx = tx
		rc.q = tx
		rc.log.Debug().
			Str("state", stateTransactionOpen.String()).
			Str("isolation", j.isolation.String()).
			Msg("transaction open")
	}
	return nil
}

// queryOp wraps a materializer into the round trip for row-returning jobs.
func queryOp(fn materializeFn) runOp {
	return func(rc *runContext, runCtx context.Context, cmd *command) (any, error) {
		rows, err := rc.q.QueryContext(runCtx, cmd.query, cmd.args...)
		if err != nil {
			return nil, classifyExec(err)
		}
		rc.onClose(rows.Close)
		rc.log.Debug().Str("state", stateMaterializing.String()).Msg("materializing result")
		return fn(rc, rows)
	}
}

// execOp is the round trip for jobs that return no rows.
func execOp(rc *runContext, runCtx context.Context, cmd *command) (any, error) {
	ex, ok := rc.q.(Execer)
	if !ok {
		return nil, newError(KindConfig, "pipeline", errors.New("dbjob: shared scope does not support Exec"))
	}
	res, err := ex.ExecContext(runCtx, cmd.query, cmd.args...)
	if err != nil {
		return nil, classifyExec(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return n, nil
}

// terminal resolves the run's terminal state: success, canceled, or failed
// with optional fallback substitution. The original error always remains
// observable via LastError.
func (j *Job) terminal(out any, err error) (any, error) {
	if err == nil {
		j.setLastError(nil)
		j.e.log.Debug().Str("state", stateSucceeded.String()).Msg("job succeeded")
		if j.onSuccess != nil {
			j.onSuccess(out)
		}
		return out, nil
	}

	err = classifyFinal(err)
	j.setLastError(err)

	if KindOf(err) == KindCanceled {
		j.e.log.Debug().Err(err).Str("state", stateCanceled.String()).Msg("job canceled")
		return nil, err
	}

	j.e.log.Debug().Err(err).Str("state", stateFailed.String()).Msg("job failed")
	if j.onFailure != nil {
		j.onFailure(err)
	}
	if j.hasFallback {
		// Failed converts to Succeeded with the substituted value.
		return j.fallback, nil
	}
	return nil, err
}

// runOpen performs acquisition and execution but leaves the run context
// open, handing cursor ownership to the caller. Used by lazy shapes.
func (j *Job) runOpen(ctx context.Context) (*runContext, *sql.Rows, error) {
	if err := j.freeze(); err != nil {
		// No fallback substitution here: a lazy open has no value to
		// substitute, only a live cursor.
		err = classifyFinal(err)
		j.setLastError(err)
		return nil, nil, err
	}

	var (
		rc   *runContext
		rows *sql.Rows
	)
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			ps, err := j.bindParams()
			if err != nil {
				return err
			}
			cmd, err := buildCommand(j.e.dialect, j.e.config, j.ctype, j.text, ps, j.effectiveTimeout())
			if err != nil {
				return err
			}
			attempt := newRunContext(ctx, j)
			if err := j.acquire(ctx, attempt); err != nil {
				_ = attempt.finish(err)
				return err
			}
			runCtx := ctx
			if cmd.timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, cmd.timeout)
				attempt.onClose(func() error { cancel(); return nil })
			}
			r, err := attempt.q.QueryContext(runCtx, cmd.query, cmd.args...)
			if err != nil {
				err = classifyExec(err)
				_ = attempt.finish(err)
				return err
			}
			attempt.onClose(r.Close)
			rc, rows = attempt, r
			return nil
		},
		j.retryOptions(ctx)...,
	)
	j.setAttempts(attempts)
	if err != nil {
		err = classifyFinal(err)
		j.setLastError(err)
		if j.onFailure != nil && KindOf(err) != KindCanceled {
			j.onFailure(err)
		}
		return nil, nil, err
	}
	return rc, rows, nil
}

// --------------------------------
// Failure classification
// --------------------------------

// classifyFinal gives unclassified errors their terminal taxonomy kind.
func classifyFinal(err error) error {
	if KindOf(err) != 0 {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCanceled, "pipeline", err)
	}
	return newError(KindCommand, "pipeline", err)
}

// classifyAcquire treats connection acquisition failures as transient
// (pool exhaustion, network faults) unless the caller's context ended.
func classifyAcquire(err error) error {
	if errors.Is(err, context.Canceled) {
		return newError(KindCanceled, "pipeline", err)
	}
	return newError(KindTransient, "pipeline", err)
}

// classifyExec splits execution failures into transient connection-level
// faults and fatal command faults.
func classifyExec(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return newError(KindCanceled, "pipeline", err)
	case isConnFault(err):
		return newError(KindTransient, "pipeline", err)
	default:
		return newError(KindCommand, "pipeline", err)
	}
}

// isConnFault reports whether err is a connection-level fault eligible for
// retry: a driver bad-conn, an explicitly marked Transient error, or a
// network error.
func isConnFault(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
