package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/workmesh/exo/errors"
)

// CreateAssignment inserts a new assignment row. The coordinator is the
// only caller; it never mutates the row afterwards.
func (r *Registry) CreateAssignment(ctx context.Context, q Querier, assignment *Assignment) error {
	query := `
		INSERT INTO assignments (id, job_id, worker_address, created_at, expires_at, is_finished)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		assignment.ID,
		assignment.JobID,
		assignment.WorkerAddress,
		assignment.CreatedAt.UTC(),
		assignment.ExpiresAt.UTC(),
		assignment.IsFinished,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create assignment")
	}
	return nil
}

// GetAssignment retrieves an assignment by ID, nil when absent.
func (r *Registry) GetAssignment(ctx context.Context, q Querier, id string) (*Assignment, error) {
	query := `
		SELECT id, job_id, worker_address, created_at, expires_at, is_finished
		FROM assignments
		WHERE id = ?
	`

	var assignment Assignment
	err := q.QueryRowContext(ctx, query, id).Scan(
		&assignment.ID,
		&assignment.JobID,
		&assignment.WorkerAddress,
		&assignment.CreatedAt,
		&assignment.ExpiresAt,
		&assignment.IsFinished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get assignment")
	}
	return &assignment, nil
}

// FinishAssignment marks an assignment finished. Called by the validation
// and sweep flows, never by the coordinator.
func (r *Registry) FinishAssignment(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE assignments SET is_finished = 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to finish assignment")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("assignment %s", id)
	}
	return nil
}

// FinishExpiredAssignments marks every unfinished assignment whose deadline
// has passed. Correctness never depends on this running: expiry already
// releases the worker slot implicitly. It keeps listings tidy.
func (r *Registry) FinishExpiredAssignments(ctx context.Context, q Querier, now time.Time) (int64, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE assignments SET is_finished = 1 WHERE is_finished = 0 AND expires_at <= ?`,
		now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to finish expired assignments")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return rows, nil
}

// FinishAssignmentsForCompletedJobs closes out assignments whose job has
// been completed out of band.
func (r *Registry) FinishAssignmentsForCompletedJobs(ctx context.Context, q Querier) (int64, error) {
	query := `
		UPDATE assignments SET is_finished = 1
		WHERE is_finished = 0
		  AND job_id IN (SELECT id FROM jobs WHERE status = ?)
	`
	result, err := q.ExecContext(ctx, query, JobStatusCompleted)
	if err != nil {
		return 0, errors.Wrap(err, "failed to finish assignments for completed jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return rows, nil
}

// Stats summarizes registry contents for operational tooling.
type Stats struct {
	Workers         int
	Projects        int
	Jobs            int
	Assignments     int
	OpenAssignments int
}

// GetStats counts registry rows.
func (r *Registry) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	row := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM workers),
			(SELECT COUNT(*) FROM projects),
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM assignments),
			(SELECT COUNT(*) FROM assignments WHERE is_finished = 0)
	`)
	if err := row.Scan(
		&stats.Workers,
		&stats.Projects,
		&stats.Jobs,
		&stats.Assignments,
		&stats.OpenAssignments,
	); err != nil {
		return nil, errors.Wrap(err, "failed to get registry stats")
	}
	return &stats, nil
}
