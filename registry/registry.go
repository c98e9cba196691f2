package registry

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/workmesh/exo/errors"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// store methods run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Registry is the persisted work registry.
type Registry struct {
	db     *sql.DB
	locks  *keyedLocks
	logger *zap.SugaredLogger
}

// New creates a registry over an already-migrated database.
func New(db *sql.DB, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		db:     db,
		locks:  newKeyedLocks(),
		logger: logger,
	}
}

// DB exposes the underlying handle for lock-free read paths.
func (r *Registry) DB() *sql.DB {
	return r.db
}

// InTx runs fn inside a transaction. Any error from fn rolls the whole
// transaction back; mutations are all-or-nothing.
func (r *Registry) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Errorw("Transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// LockWorker serializes assignment requests for one worker. The wait is
// bounded by ctx.
func (r *Registry) LockWorker(ctx context.Context, walletAddress string) (func(), error) {
	return r.locks.Acquire(ctx, "worker:"+walletAddress)
}

// LockProject serializes all mutation of one project's jobs and
// assignments. The wait is bounded by ctx.
func (r *Registry) LockProject(ctx context.Context, projectID string) (func(), error) {
	return r.locks.Acquire(ctx, "project:"+projectID)
}
