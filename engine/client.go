// Package engine talks to the annotation engine that hosts the actual
// labeling workspaces. The coordinator uses it to reset a job's workspace
// and hand ownership to a fresh worker.
package engine

import "context"

// Client is the annotation engine adapter. All calls are remote and may
// fail; callers treat failures as retryable external errors.
type Client interface {
	// ClearAnnotations drops any annotation state left on the job by a
	// previous worker.
	ClearAnnotations(ctx context.Context, jobEngineID int64) error

	// Restart resets the job's execution state so the new worker starts
	// from a clean slate.
	Restart(ctx context.Context, jobEngineID int64) error

	// Reassign transfers the job's ownership to the worker's engine
	// identity.
	Reassign(ctx context.Context, jobEngineID, workerEngineID int64) error
}
