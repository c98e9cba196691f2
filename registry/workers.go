package registry

import (
	"context"
	"database/sql"
	"strings"

	"github.com/workmesh/exo/errors"
)

// CreateWorker inserts a new worker. A duplicate wallet address is a
// conflict, not an internal error.
func (r *Registry) CreateWorker(ctx context.Context, q Querier, worker *Worker) error {
	query := `
		INSERT INTO workers (wallet_address, engine_id, created_at)
		VALUES (?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		worker.WalletAddress,
		worker.EngineID,
		worker.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewConflictError("worker %s already registered", worker.WalletAddress)
		}
		return errors.Wrap(err, "failed to create worker")
	}
	return nil
}

// GetWorker retrieves a worker by wallet address.
// Returns nil if the worker does not exist - absence is not an error here;
// the caller decides whether it is.
func (r *Registry) GetWorker(ctx context.Context, q Querier, walletAddress string) (*Worker, error) {
	query := `
		SELECT wallet_address, engine_id, created_at
		FROM workers
		WHERE wallet_address = ?
	`

	var worker Worker
	err := q.QueryRowContext(ctx, query, walletAddress).Scan(
		&worker.WalletAddress,
		&worker.EngineID,
		&worker.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get worker")
	}
	return &worker, nil
}
