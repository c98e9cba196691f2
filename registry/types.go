// Package registry persists the work registry: workers, projects, jobs, and
// assignments. It exposes scoped transactions and an in-process keyed lock
// manager standing in for row locks on the embedded store.
package registry

import "time"

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusAnnotation ProjectStatus = "annotation"
	ProjectStatusValidation ProjectStatus = "validation"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusCanceled   ProjectStatus = "canceled"
)

// JobStatus is the annotation state of a job. It is driven by outside
// progress tracking, never by the coordinator.
type JobStatus string

const (
	JobStatusNew        JobStatus = "new"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
)

// Worker is an annotator identified by wallet address. EngineID is the
// worker's identity in the annotation engine. Immutable once created.
type Worker struct {
	WalletAddress string
	EngineID      int64
	CreatedAt     time.Time
}

// Project owns a batch of jobs under one escrow. Only annotation-status
// projects hand out new assignments.
type Project struct {
	ID            string
	EngineID      int64
	EscrowAddress string
	ChainID       int64
	Status        ProjectStatus
	JobType       string
	CreatedAt     time.Time
}

// Job is a single unit of annotation work inside a project.
type Job struct {
	ID        int64
	EngineID  int64
	ProjectID string
	Status    JobStatus
	CreatedAt time.Time
}

// Assignment is a time-bounded binding of one worker to one job. Created
// exactly once per successful coordinator invocation; completion and expiry
// flags are set by the sweep and validation flows, never by the coordinator.
type Assignment struct {
	ID            string
	JobID         int64
	WorkerAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	IsFinished    bool
}

// Active reports whether the assignment is neither finished nor expired
// relative to now.
func (a *Assignment) Active(now time.Time) bool {
	return !a.IsFinished && now.Before(a.ExpiresAt)
}

// JobWithLatest pairs a job with its most recent assignment, if any.
type JobWithLatest struct {
	Job    Job
	Latest *Assignment
}

// Available reports whether the job can be handed to a fresh worker: status
// is new and the latest assignment is absent or finished. An unfinished but
// expired assignment does not make the job available; only the worker slot
// it held is released.
func (j *JobWithLatest) Available() bool {
	return j.Job.Status == JobStatusNew && (j.Latest == nil || j.Latest.IsFinished)
}

// ProjectSelector identifies the target project for an assignment request:
// either a direct project ID, or an (escrow, chain) pair that resolves to
// any one annotation-status project under that escrow.
type ProjectSelector struct {
	ProjectID     string
	EscrowAddress string
	ChainID       int64
}

// Direct reports whether the selector names a project ID explicitly.
func (s ProjectSelector) Direct() bool {
	return s.ProjectID != ""
}
