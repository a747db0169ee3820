package dbjob

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// runContext is the per-execution state: the live connection or shared
// scope, the optional transaction, the cancellation context, and the
// deferred-disposal registry. Created at run start, destroyed at run end
// regardless of the terminal state.
type runContext struct {
	ctx          context.Context
	id           string
	log          zerolog.Logger
	q            Queryer
	external     bool // connection/transaction owned by the caller
	tx           tx
	overrides    map[string]string
	keepOnCancel bool
	disposers    []func() error
}

// tx is the slice of *sql.Tx the run context needs; an interface keeps the
// finish path testable.
type tx interface {
	Commit() error
	Rollback() error
}

func newRunContext(ctx context.Context, j *Job) *runContext {
	id := uuid.NewString()
	return &runContext{
		ctx:          ctx,
		id:           id,
		log:          j.e.log.With().Str("run_id", id).Logger(),
		overrides:    j.overrides,
		keepOnCancel: j.keepOnCancel,
	}
}

// canceled reports whether the caller's context has been signaled. Checked
// cooperatively at every row and segment boundary.
func (rc *runContext) canceled() bool {
	return rc.ctx.Err() != nil
}

// onClose registers a resource for disposal at run end. Resources are
// released in strict reverse registration order.
func (rc *runContext) onClose(f func() error) {
	rc.disposers = append(rc.disposers, f)
}

// finish resolves the transaction and releases every registered resource,
// in reverse order, on every exit path. A signaled context rolls the
// transaction back unless the caller opted to keep partial results.
func (rc *runContext) finish(runErr error) error {
	var txErr error
	if rc.tx != nil && !rc.external {
		commit := runErr == nil && (!rc.canceled() || rc.keepOnCancel)
		if commit {
			txErr = rc.tx.Commit()
			rc.log.Debug().Msg("transaction committed")
		} else {
			txErr = rc.tx.Rollback()
			if errors.Is(txErr, sql.ErrTxDone) {
				// The driver's context watcher can race the explicit
				// rollback; either way the transaction is gone.
				txErr = nil
			}
			rc.log.Debug().Msg("transaction rolled back")
		}
	}

	var dispErr error
	for i := len(rc.disposers) - 1; i >= 0; i-- {
		if err := rc.disposers[i](); err != nil && dispErr == nil {
			dispErr = err
		}
	}
	rc.disposers = nil

	if txErr != nil {
		return txErr
	}
	return dispErr
}
