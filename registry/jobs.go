package registry

import (
	"context"
	"database/sql"

	"github.com/workmesh/exo/errors"
)

// CreateJob inserts a new job and fills in its generated ID.
func (r *Registry) CreateJob(ctx context.Context, q Querier, job *Job) error {
	query := `
		INSERT INTO jobs (engine_id, project_id, status, created_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query,
		job.EngineID,
		job.ProjectID,
		job.Status,
		job.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get job id")
	}
	job.ID = id
	return nil
}

// UpdateJobStatus records progress reported by the outside tracking flows.
func (r *Registry) UpdateJobStatus(ctx context.Context, q Querier, jobID int64, status JobStatus) error {
	result, err := q.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ?`, status, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to update job status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %d", jobID)
	}
	return nil
}

// ListProjectJobs returns every job in the project paired with its latest
// assignment, in ascending job ID order. The order is what makes "first
// available job" selection deterministic.
func (r *Registry) ListProjectJobs(ctx context.Context, q Querier, projectID string) ([]JobWithLatest, error) {
	query := `
		SELECT j.id, j.engine_id, j.project_id, j.status, j.created_at,
			a.id, a.job_id, a.worker_address, a.created_at, a.expires_at, a.is_finished
		FROM jobs j
		LEFT JOIN assignments a ON a.id = (
			SELECT id FROM assignments
			WHERE job_id = j.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		WHERE j.project_id = ?
		ORDER BY j.id
	`

	rows, err := q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list project jobs")
	}
	defer rows.Close()

	var jobs []JobWithLatest
	for rows.Next() {
		var (
			item      JobWithLatest
			aID       sql.NullString
			aJobID    sql.NullInt64
			aWorker   sql.NullString
			aCreated  sql.NullTime
			aExpires  sql.NullTime
			aFinished sql.NullBool
		)
		if err := rows.Scan(
			&item.Job.ID,
			&item.Job.EngineID,
			&item.Job.ProjectID,
			&item.Job.Status,
			&item.Job.CreatedAt,
			&aID,
			&aJobID,
			&aWorker,
			&aCreated,
			&aExpires,
			&aFinished,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan project job")
		}
		if aID.Valid {
			item.Latest = &Assignment{
				ID:            aID.String,
				JobID:         aJobID.Int64,
				WorkerAddress: aWorker.String,
				CreatedAt:     aCreated.Time,
				ExpiresAt:     aExpires.Time,
				IsFinished:    aFinished.Bool,
			}
		}
		jobs = append(jobs, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating project jobs")
	}
	return jobs, nil
}
