package registry

import (
	"context"
	"database/sql"

	"github.com/workmesh/exo/errors"
)

const projectColumns = `id, engine_id, escrow_address, chain_id, status, job_type, created_at`

func scanProject(row interface {
	Scan(dest ...interface{}) error
}, p *Project) error {
	return row.Scan(
		&p.ID,
		&p.EngineID,
		&p.EscrowAddress,
		&p.ChainID,
		&p.Status,
		&p.JobType,
		&p.CreatedAt,
	)
}

// CreateProject inserts a new project.
func (r *Registry) CreateProject(ctx context.Context, q Querier, project *Project) error {
	query := `
		INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		project.ID,
		project.EngineID,
		project.EscrowAddress,
		project.ChainID,
		project.Status,
		project.JobType,
		project.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create project")
	}
	return nil
}

// FindAnnotationProject resolves the selector restricted to projects in
// annotation status. Selection is deterministic: oldest project first.
// Returns nil when no annotation-status project matches.
func (r *Registry) FindAnnotationProject(ctx context.Context, q Querier, sel ProjectSelector) (*Project, error) {
	var (
		query string
		args  []interface{}
	)
	if sel.Direct() {
		query = `SELECT ` + projectColumns + ` FROM projects WHERE id = ? AND status = ?`
		args = []interface{}{sel.ProjectID, ProjectStatusAnnotation}
	} else {
		query = `SELECT ` + projectColumns + ` FROM projects
			WHERE escrow_address = ? AND chain_id = ? AND status = ?
			ORDER BY created_at, id LIMIT 1`
		args = []interface{}{sel.EscrowAddress, sel.ChainID, ProjectStatusAnnotation}
	}

	var project Project
	err := scanProject(q.QueryRowContext(ctx, query, args...), &project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find annotation project")
	}
	return &project, nil
}

// FindProject resolves the selector without any status filter. Used for the
// unlocked fallback check: distinguishes a project that truly does not exist
// from one that exists but has left annotation.
func (r *Registry) FindProject(ctx context.Context, q Querier, sel ProjectSelector) (*Project, error) {
	var (
		query string
		args  []interface{}
	)
	if sel.Direct() {
		query = `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`
		args = []interface{}{sel.ProjectID}
	} else {
		query = `SELECT ` + projectColumns + ` FROM projects
			WHERE escrow_address = ? AND chain_id = ?
			ORDER BY created_at, id LIMIT 1`
		args = []interface{}{sel.EscrowAddress, sel.ChainID}
	}

	var project Project
	err := scanProject(q.QueryRowContext(ctx, query, args...), &project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find project")
	}
	return &project, nil
}

// GetProject retrieves a project by ID, nil when absent.
func (r *Registry) GetProject(ctx context.Context, q Querier, id string) (*Project, error) {
	var project Project
	err := scanProject(q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id), &project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get project")
	}
	return &project, nil
}

// UpdateProjectStatus moves a project through its lifecycle. Used by the
// out-of-band progress tracking flows, never by the coordinator.
func (r *Registry) UpdateProjectStatus(ctx context.Context, q Querier, id string, status ProjectStatus) error {
	result, err := q.ExecContext(ctx,
		`UPDATE projects SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(err, "failed to update project status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("project %s", id)
	}
	return nil
}

// ProjectSlot is a project-level summary row for the query service: the
// project plus the number of jobs currently free to hand out.
type ProjectSlot struct {
	Project       Project
	AvailableJobs int
}

// ListAnnotationSlots lists projects currently accepting assignments with
// their free-job counts. Lock-free; read skew against the coordinator is
// expected and tolerated.
func (r *Registry) ListAnnotationSlots(ctx context.Context, q Querier) ([]ProjectSlot, error) {
	query := `
		SELECT ` + prefixedProjectColumns("p") + `,
			(SELECT COUNT(*) FROM jobs j
			 WHERE j.project_id = p.id
			   AND j.status = ?
			   AND NOT EXISTS (
				SELECT 1 FROM assignments a
				WHERE a.job_id = j.id AND a.is_finished = 0
			   )) AS available_jobs
		FROM projects p
		WHERE p.status = ?
		ORDER BY p.created_at, p.id
	`

	rows, err := q.QueryContext(ctx, query, JobStatusNew, ProjectStatusAnnotation)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list annotation slots")
	}
	defer rows.Close()

	var slots []ProjectSlot
	for rows.Next() {
		var slot ProjectSlot
		if err := rows.Scan(
			&slot.Project.ID,
			&slot.Project.EngineID,
			&slot.Project.EscrowAddress,
			&slot.Project.ChainID,
			&slot.Project.Status,
			&slot.Project.JobType,
			&slot.Project.CreatedAt,
			&slot.AvailableJobs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan project slot")
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating project slots")
	}
	return slots, nil
}

// WorkerSlot is a project the worker currently holds an assignment in.
type WorkerSlot struct {
	Project    Project
	Assignment Assignment
}

// ListWorkerSlots lists projects where the worker holds an unfinished
// assignment, newest first. Lock-free.
func (r *Registry) ListWorkerSlots(ctx context.Context, q Querier, walletAddress string) ([]WorkerSlot, error) {
	query := `
		SELECT ` + prefixedProjectColumns("p") + `,
			a.id, a.job_id, a.worker_address, a.created_at, a.expires_at, a.is_finished
		FROM assignments a
		JOIN jobs j ON j.id = a.job_id
		JOIN projects p ON p.id = j.project_id
		WHERE a.worker_address = ? AND a.is_finished = 0
		ORDER BY a.created_at DESC, a.id
	`

	rows, err := q.QueryContext(ctx, query, walletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list worker slots")
	}
	defer rows.Close()

	var slots []WorkerSlot
	for rows.Next() {
		var slot WorkerSlot
		if err := rows.Scan(
			&slot.Project.ID,
			&slot.Project.EngineID,
			&slot.Project.EscrowAddress,
			&slot.Project.ChainID,
			&slot.Project.Status,
			&slot.Project.JobType,
			&slot.Project.CreatedAt,
			&slot.Assignment.ID,
			&slot.Assignment.JobID,
			&slot.Assignment.WorkerAddress,
			&slot.Assignment.CreatedAt,
			&slot.Assignment.ExpiresAt,
			&slot.Assignment.IsFinished,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker slot")
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating worker slots")
	}
	return slots, nil
}

func prefixedProjectColumns(alias string) string {
	return alias + `.id, ` + alias + `.engine_id, ` + alias + `.escrow_address, ` +
		alias + `.chain_id, ` + alias + `.status, ` + alias + `.job_type, ` + alias + `.created_at`
}
