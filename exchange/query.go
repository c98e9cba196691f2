package exchange

import (
	"context"
	"time"
)

// JobSummary is the response shape for job listings. The unit exposed to
// callers is "a job slot in a project": one entry per project, not per job.
type JobSummary struct {
	ProjectID     string     `json:"project_id"`
	EscrowAddress string     `json:"escrow_address"`
	ChainID       int64      `json:"chain_id"`
	JobType       string     `json:"job_type"`
	AvailableJobs int        `json:"available_jobs,omitempty"`
	AssignmentID  string     `json:"assignment_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ListAvailableJobs lists projects currently accepting assignments, one
// summary per project with at least one free job. Lock-free; a slot
// reported here may be claimed before the caller acts on it, which the
// coordinator's own re-validation handles.
func (c *Coordinator) ListAvailableJobs(ctx context.Context) ([]JobSummary, error) {
	slots, err := c.registry.ListAnnotationSlots(ctx, c.registry.DB())
	if err != nil {
		return nil, err
	}

	summaries := make([]JobSummary, 0, len(slots))
	for _, slot := range slots {
		if slot.AvailableJobs == 0 {
			continue
		}
		summaries = append(summaries, JobSummary{
			ProjectID:     slot.Project.ID,
			EscrowAddress: slot.Project.EscrowAddress,
			ChainID:       slot.Project.ChainID,
			JobType:       slot.Project.JobType,
			AvailableJobs: slot.AvailableJobs,
		})
	}
	return summaries, nil
}

// ListJobsForWorker lists the projects where the worker currently holds an
// unfinished assignment. An unknown worker simply holds nothing. Lock-free.
func (c *Coordinator) ListJobsForWorker(ctx context.Context, walletAddress string) ([]JobSummary, error) {
	slots, err := c.registry.ListWorkerSlots(ctx, c.registry.DB(), walletAddress)
	if err != nil {
		return nil, err
	}

	summaries := make([]JobSummary, 0, len(slots))
	for _, slot := range slots {
		expiresAt := slot.Assignment.ExpiresAt
		summaries = append(summaries, JobSummary{
			ProjectID:     slot.Project.ID,
			EscrowAddress: slot.Project.EscrowAddress,
			ChainID:       slot.Project.ChainID,
			JobType:       slot.Project.JobType,
			AssignmentID:  slot.Assignment.ID,
			ExpiresAt:     &expiresAt,
		})
	}
	return summaries, nil
}
