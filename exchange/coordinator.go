// Package exchange implements the assignment coordinator: the transactional
// algorithm that hands one available job to one competing worker at a time.
package exchange

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workmesh/exo/engine"
	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/manifest"
	"github.com/workmesh/exo/registry"
)

// CreateResult is the tagged outcome of a create-assignment request:
// either a new assignment, or "no work available right now". The latter is
// a valid terminal outcome, never an error.
type CreateResult struct {
	AssignmentID string
	ExpiresAt    time.Time
	NoWork       bool
}

// AssignmentEvent describes a freshly created assignment for observers.
type AssignmentEvent struct {
	AssignmentID  string    `json:"assignment_id"`
	ProjectID     string    `json:"project_id"`
	JobID         int64     `json:"job_id"`
	WorkerAddress string    `json:"worker_address"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Notifier receives assignment events after commit. Best effort; failures
// are the notifier's problem.
type Notifier interface {
	AssignmentCreated(event AssignmentEvent)
}

// Coordinator hands out assignments. It is stateless between calls; all
// mutual exclusion is delegated to the registry's locks and transactions.
type Coordinator struct {
	registry  *registry.Registry
	manifests manifest.Resolver
	engine    engine.Client
	clock     Clock
	lockWait  time.Duration
	notifier  Notifier
	logger    *zap.SugaredLogger
}

// NewCoordinator wires a coordinator. lockWait bounds every lock
// acquisition; notifier may be nil.
func NewCoordinator(
	reg *registry.Registry,
	manifests manifest.Resolver,
	engineClient engine.Client,
	clock Clock,
	lockWait time.Duration,
	logger *zap.SugaredLogger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		registry:  reg,
		manifests: manifests,
		engine:    engineClient,
		clock:     clock,
		lockWait:  lockWait,
		logger:    logger,
	}
}

// SetNotifier registers an observer for assignment events.
func (c *Coordinator) SetNotifier(notifier Notifier) {
	c.notifier = notifier
}

// CreateAssignment selects an available job in the project the selector
// resolves to and binds it to the worker.
//
// Outcomes: a CreateResult with an assignment ID, a CreateResult with
// NoWork set, or an error (ErrNotFound for unknown worker/project,
// ErrConflict when the worker already holds a live assignment in the
// project, ErrExternal for resolver/engine failures, ErrTimeout for an
// exhausted lock wait). On any error no registry mutation survives.
func (c *Coordinator) CreateAssignment(ctx context.Context, sel registry.ProjectSelector, walletAddress string) (*CreateResult, error) {
	// Serialize per worker first: concurrent requests from one worker
	// queue here rather than racing the conflict check below.
	releaseWorker, err := c.acquire(ctx, func(lockCtx context.Context) (func(), error) {
		return c.registry.LockWorker(lockCtx, walletAddress)
	})
	if err != nil {
		return nil, err
	}
	defer releaseWorker()

	worker, err := c.registry.GetWorker(ctx, c.registry.DB(), walletAddress)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, errors.NewNotFoundError("worker %s", walletAddress)
	}

	project, releaseProject, err := c.lockAnnotationProject(ctx, sel)
	if err != nil {
		return nil, err
	}
	if project == nil {
		// Locked resolve missed. Re-check without the status filter and
		// without any lock: terminal projects must not serialize callers.
		existing, err := c.registry.FindProject(ctx, c.registry.DB(), sel)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.NewNotFoundError("project for selector %+v", sel)
		}
		// The project is real but has no work to hand out right now.
		return &CreateResult{NoWork: true}, nil
	}
	defer releaseProject()

	// Manifest fetch happens under the project lock; its latency extends
	// lock hold time, which is the accepted cost of a fixed expiry rule.
	mf, err := c.manifests.Resolve(ctx, project.ChainID, project.EscrowAddress)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	var (
		result CreateResult
		event  *AssignmentEvent
	)

	err = c.registry.InTx(ctx, func(tx *sql.Tx) error {
		jobs, err := c.registry.ListProjectJobs(ctx, tx, project.ID)
		if err != nil {
			return err
		}

		// One pass: first available job, and the worker's live holds.
		var unassigned *registry.JobWithLatest
		for i := range jobs {
			item := &jobs[i]
			latest := item.Latest
			if latest != nil && !latest.IsFinished &&
				latest.WorkerAddress == walletAddress && now.Before(latest.ExpiresAt) {
				return errors.NewConflictError(
					"worker %s already has an unfinished assignment in project %s",
					walletAddress, project.ID)
			}
			if unassigned == nil && item.Available() {
				unassigned = item
			}
		}

		if unassigned == nil {
			result.NoWork = true
			return nil
		}

		assignment := &registry.Assignment{
			ID:            uuid.NewString(),
			JobID:         unassigned.Job.ID,
			WorkerAddress: worker.WalletAddress,
			CreatedAt:     now,
			ExpiresAt:     now.Add(mf.MaxAssignmentDuration),
		}
		if err := c.registry.CreateAssignment(ctx, tx, assignment); err != nil {
			return err
		}

		// Engine reset runs before commit: a failure rolls the assignment
		// back, so no worker is ever pointed at a workspace that was not
		// prepared for them.
		if err := c.engine.ClearAnnotations(ctx, unassigned.Job.EngineID); err != nil {
			return err
		}
		if err := c.engine.Restart(ctx, unassigned.Job.EngineID); err != nil {
			return err
		}
		if err := c.engine.Reassign(ctx, unassigned.Job.EngineID, worker.EngineID); err != nil {
			return err
		}

		result.AssignmentID = assignment.ID
		result.ExpiresAt = assignment.ExpiresAt

		c.logger.Infow("Assignment created",
			"assignment_id", assignment.ID,
			"project_id", project.ID,
			"job_id", unassigned.Job.ID,
			"worker", walletAddress,
			"expires_at", assignment.ExpiresAt,
		)

		event = &AssignmentEvent{
			AssignmentID:  assignment.ID,
			ProjectID:     project.ID,
			JobID:         unassigned.Job.ID,
			WorkerAddress: walletAddress,
			ExpiresAt:     assignment.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Notify only once the assignment is durable.
	if event != nil && c.notifier != nil {
		c.notifier.AssignmentCreated(*event)
	}

	return &result, nil
}

// lockAnnotationProject resolves the selector restricted to annotation
// status and locks the resulting project. The lock predicate excludes
// terminal projects entirely: workers polling a finished project never
// contend here. Returns (nil, nil, nil) when no annotation-status project
// matches.
func (c *Coordinator) lockAnnotationProject(ctx context.Context, sel registry.ProjectSelector) (*registry.Project, func(), error) {
	for {
		candidate, err := c.registry.FindAnnotationProject(ctx, c.registry.DB(), sel)
		if err != nil {
			return nil, nil, err
		}
		if candidate == nil {
			return nil, nil, nil
		}

		release, err := c.acquire(ctx, func(lockCtx context.Context) (func(), error) {
			return c.registry.LockProject(lockCtx, candidate.ID)
		})
		if err != nil {
			return nil, nil, err
		}

		// The status may have moved while we waited for the lock;
		// everything after this point relies on it being current.
		current, err := c.registry.GetProject(ctx, c.registry.DB(), candidate.ID)
		if err != nil {
			release()
			return nil, nil, err
		}
		if current != nil && current.Status == registry.ProjectStatusAnnotation {
			return current, release, nil
		}
		release()

		// An escrow can own several projects; a direct selector cannot
		// match anything else, so its miss is final.
		if sel.Direct() {
			return nil, nil, nil
		}
	}
}

// acquire runs one lock acquisition under the configured wait bound.
func (c *Coordinator) acquire(ctx context.Context, lock func(context.Context) (func(), error)) (func(), error) {
	lockCtx := ctx
	if c.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockWait)
		defer cancel()
	}
	return lock(lockCtx)
}

// RegisterWorker creates a worker bound to an engine identity. Duplicate
// wallet addresses are a conflict.
func (c *Coordinator) RegisterWorker(ctx context.Context, walletAddress string, engineID int64) (*registry.Worker, error) {
	if walletAddress == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "wallet address is required")
	}

	worker := &registry.Worker{
		WalletAddress: walletAddress,
		EngineID:      engineID,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.registry.CreateWorker(ctx, c.registry.DB(), worker); err != nil {
		return nil, err
	}

	c.logger.Infow("Worker registered", "worker", walletAddress, "engine_id", engineID)
	return worker, nil
}
