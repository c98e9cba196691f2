package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/exo/errors"
	exotest "github.com/workmesh/exo/internal/testing"
	"github.com/workmesh/exo/manifest"
	"github.com/workmesh/exo/registry"
)

// fakeClock is a settable clock shared by a fixture's components.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubResolver hands out a fixed manifest, or fails on demand.
type stubResolver struct {
	mu       sync.Mutex
	manifest manifest.Manifest
	err      error
	calls    int
}

func (r *stubResolver) Resolve(ctx context.Context, chainID int64, escrowAddress string) (*manifest.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	m := r.manifest
	return &m, nil
}

// stubEngine records reset calls and can fail a specific method.
type stubEngine struct {
	mu          sync.Mutex
	cleared     []int64
	restarted   []int64
	reassigned  map[int64]int64
	failRestart error
}

func newStubEngine() *stubEngine {
	return &stubEngine{reassigned: make(map[int64]int64)}
}

func (e *stubEngine) ClearAnnotations(ctx context.Context, jobEngineID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = append(e.cleared, jobEngineID)
	return nil
}

func (e *stubEngine) Restart(ctx context.Context, jobEngineID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRestart != nil {
		return e.failRestart
	}
	e.restarted = append(e.restarted, jobEngineID)
	return nil
}

func (e *stubEngine) Reassign(ctx context.Context, jobEngineID, workerEngineID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reassigned[jobEngineID] = workerEngineID
	return nil
}

type fixture struct {
	reg      *registry.Registry
	clock    *fakeClock
	resolver *stubResolver
	engine   *stubEngine
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(exotest.CreateTestDB(t), nil)
	clock := newFakeClock()
	resolver := &stubResolver{manifest: manifest.Manifest{
		JobType:               "image_boxes",
		MaxAssignmentDuration: 30 * time.Minute,
	}}
	eng := newStubEngine()
	coord := NewCoordinator(reg, resolver, eng, clock, 5*time.Second, nil)
	return &fixture{reg: reg, clock: clock, resolver: resolver, engine: eng, coord: coord}
}

func (f *fixture) seedWorker(t *testing.T, wallet string, engineID int64) *registry.Worker {
	t.Helper()
	worker := &registry.Worker{WalletAddress: wallet, EngineID: engineID, CreatedAt: f.clock.Now()}
	require.NoError(t, f.reg.CreateWorker(context.Background(), f.reg.DB(), worker))
	return worker
}

func (f *fixture) seedProject(t *testing.T, escrow string, status registry.ProjectStatus) *registry.Project {
	t.Helper()
	project := &registry.Project{
		ID:            uuid.NewString(),
		EngineID:      100,
		EscrowAddress: escrow,
		ChainID:       80001,
		Status:        status,
		JobType:       "image_boxes",
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.reg.CreateProject(context.Background(), f.reg.DB(), project))
	return project
}

func (f *fixture) seedJob(t *testing.T, project *registry.Project, engineID int64, status registry.JobStatus) *registry.Job {
	t.Helper()
	job := &registry.Job{EngineID: engineID, ProjectID: project.ID, Status: status, CreatedAt: f.clock.Now()}
	require.NoError(t, f.reg.CreateJob(context.Background(), f.reg.DB(), job))
	return job
}

func selectorFor(project *registry.Project) registry.ProjectSelector {
	return registry.ProjectSelector{EscrowAddress: project.EscrowAddress, ChainID: project.ChainID}
}

func TestCreateAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	job := f.seedJob(t, project, 201, registry.JobStatusNew)

	result, err := f.coord.CreateAssignment(ctx, selectorFor(project), worker.WalletAddress)
	require.NoError(t, err)
	require.False(t, result.NoWork)
	assert.NotEmpty(t, result.AssignmentID)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), result.ExpiresAt)

	// The job's latest assignment is the one we just created.
	jobs, err := f.reg.ListProjectJobs(ctx, f.reg.DB(), project.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].Latest)
	assert.Equal(t, result.AssignmentID, jobs[0].Latest.ID)
	assert.Equal(t, worker.WalletAddress, jobs[0].Latest.WorkerAddress)

	// Engine workspace was reset and reassigned.
	assert.Equal(t, []int64{job.EngineID}, f.engine.cleared)
	assert.Equal(t, []int64{job.EngineID}, f.engine.restarted)
	assert.Equal(t, worker.EngineID, f.engine.reassigned[job.EngineID])
}

func TestCreateAssignmentConflictWhileLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)
	f.seedJob(t, project, 202, registry.JobStatusNew)

	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)

	// A second job is free, but the worker's first hold is still live.
	_, err = f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestCreateAssignmentExpiryReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)
	f.seedJob(t, project, 202, registry.JobStatusNew)

	first, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)

	// Past the deadline the unfinished assignment no longer blocks,
	// even though nothing ever set is_finished.
	f.clock.Advance(31 * time.Minute)

	second, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)
	require.False(t, second.NoWork)
	assert.NotEqual(t, first.AssignmentID, second.AssignmentID)
}

func TestCreateAssignmentNoWorkWhenAllJobsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	f.seedWorker(t, "0xdef", 8)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)

	result, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xdef")
	require.NoError(t, err)
	assert.True(t, result.NoWork)
}

func TestCreateAssignmentCompletedProjectIsNoWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusCompleted)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	result, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)
	assert.True(t, result.NoWork, "existing non-annotation project is no-work, not an error")
}

func TestCreateAssignmentUnknownProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)

	_, err := f.coord.CreateAssignment(ctx,
		registry.ProjectSelector{EscrowAddress: "0xmissing", ChainID: 80001}, "0xabc")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCreateAssignmentUnknownWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCreateAssignmentResolverFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	f.resolver.err = errors.WrapExternal(errors.New("gateway down"), "fetch escrow")

	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.Error(t, err)
	assert.True(t, errors.IsExternalError(err))

	// Nothing was persisted.
	jobs, err := f.reg.ListProjectJobs(ctx, f.reg.DB(), project.ID)
	require.NoError(t, err)
	assert.Nil(t, jobs[0].Latest)
}

func TestCreateAssignmentEngineFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	f.engine.failRestart = errors.WrapExternal(errors.New("engine 500"), "engine call")

	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.Error(t, err)
	assert.True(t, errors.IsExternalError(err))

	// The staged assignment must not survive the rollback.
	jobs, err := f.reg.ListProjectJobs(ctx, f.reg.DB(), project.ID)
	require.NoError(t, err)
	assert.Nil(t, jobs[0].Latest)

	// Once the engine recovers the same request succeeds.
	f.engine.failRestart = nil
	result, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.NoError(t, err)
	assert.False(t, result.NoWork)
}

func TestCreateAssignmentDeterministicSelection(t *testing.T) {
	// Snapshot: J1 new without assignment, J2 new with a finished prior
	// assignment, J3 completed. The first available job in ID order must
	// win on every identical snapshot.
	for run := 0; run < 5; run++ {
		f := newFixture(t)
		ctx := context.Background()

		f.seedWorker(t, "0xabc", 7)
		f.seedWorker(t, "0xold", 9)
		project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
		j1 := f.seedJob(t, project, 201, registry.JobStatusNew)
		j2 := f.seedJob(t, project, 202, registry.JobStatusNew)
		f.seedJob(t, project, 203, registry.JobStatusCompleted)

		require.NoError(t, f.reg.CreateAssignment(ctx, f.reg.DB(), &registry.Assignment{
			ID:            uuid.NewString(),
			JobID:         j2.ID,
			WorkerAddress: "0xold",
			CreatedAt:     f.clock.Now().Add(-2 * time.Hour),
			ExpiresAt:     f.clock.Now().Add(-time.Hour),
			IsFinished:    true,
		}))

		result, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
		require.NoError(t, err)
		require.False(t, result.NoWork)

		assignment, err := f.reg.GetAssignment(ctx, f.reg.DB(), result.AssignmentID)
		require.NoError(t, err)
		assert.Equal(t, j1.ID, assignment.JobID, "run %d picked a different job", run)
	}
}

func TestCreateAssignmentDirectSelector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	result, err := f.coord.CreateAssignment(ctx,
		registry.ProjectSelector{ProjectID: project.ID}, "0xabc")
	require.NoError(t, err)
	assert.False(t, result.NoWork)
}

func TestCreateAssignmentLockWaitIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	// Hold the project lock from outside and use a coordinator with a
	// tiny wait bound.
	release, err := f.reg.LockProject(ctx, project.ID)
	require.NoError(t, err)
	defer release()

	impatient := NewCoordinator(f.reg, f.resolver, f.engine, f.clock, 20*time.Millisecond, nil)
	_, err = impatient.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
}

func TestConcurrentWorkersNeverShareAJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 8
	const jobCount = 3

	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	for i := 0; i < jobCount; i++ {
		f.seedJob(t, project, int64(201+i), registry.JobStatusNew)
	}
	wallets := make([]string, workers)
	for i := range wallets {
		wallets[i] = uuid.NewString()
		f.seedWorker(t, wallets[i], int64(10+i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		noWork    int
		failures  []error
	)
	for _, wallet := range wallets {
		wg.Add(1)
		go func(wallet string) {
			defer wg.Done()
			result, err := f.coord.CreateAssignment(ctx, selectorFor(project), wallet)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures = append(failures, err)
			case result.NoWork:
				noWork++
			default:
				succeeded = append(succeeded, result.AssignmentID)
			}
		}(wallet)
	}
	wg.Wait()
	require.Empty(t, failures)

	assert.Len(t, succeeded, jobCount)
	assert.Equal(t, workers-jobCount, noWork)

	// No job carries two active assignments.
	jobs, err := f.reg.ListProjectJobs(ctx, f.reg.DB(), project.ID)
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for _, id := range succeeded {
		assignment, err := f.reg.GetAssignment(ctx, f.reg.DB(), id)
		require.NoError(t, err)
		assert.False(t, seen[assignment.JobID], "job %d assigned twice", assignment.JobID)
		seen[assignment.JobID] = true
	}
	require.Len(t, jobs, jobCount)
}

func TestConcurrentSameWorkerSingleHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)
	f.seedJob(t, project, 202, registry.JobStatusNew)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && !result.NoWork:
				created++
			case errors.IsConflictError(err):
				conflicts++
			default:
				t.Errorf("unexpected outcome: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "worker must end up with exactly one live hold")
	assert.Equal(t, attempts-1, conflicts)
}

func TestNotifierFiresAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	job := f.seedJob(t, project, 201, registry.JobStatusNew)

	var events []AssignmentEvent
	f.coord.SetNotifier(notifierFunc(func(event AssignmentEvent) {
		events = append(events, event)
	}))

	result, err := f.coord.CreateAssignment(ctx, selectorFor(project), worker.WalletAddress)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, result.AssignmentID, events[0].AssignmentID)
	assert.Equal(t, job.ID, events[0].JobID)
	assert.Equal(t, project.ID, events[0].ProjectID)
}

func TestNotifierSkippedOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedWorker(t, "0xabc", 7)
	project := f.seedProject(t, "0xescrow", registry.ProjectStatusAnnotation)
	f.seedJob(t, project, 201, registry.JobStatusNew)

	var events []AssignmentEvent
	f.coord.SetNotifier(notifierFunc(func(event AssignmentEvent) {
		events = append(events, event)
	}))

	f.engine.failRestart = errors.WrapExternal(errors.New("engine 500"), "engine call")
	_, err := f.coord.CreateAssignment(ctx, selectorFor(project), "0xabc")
	require.Error(t, err)
	assert.Empty(t, events)
}

func TestRegisterWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker, err := f.coord.RegisterWorker(ctx, "0xnew", 42)
	require.NoError(t, err)
	assert.Equal(t, "0xnew", worker.WalletAddress)

	_, err = f.coord.RegisterWorker(ctx, "0xnew", 43)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	_, err = f.coord.RegisterWorker(ctx, "", 44)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(AssignmentEvent)

func (f notifierFunc) AssignmentCreated(event AssignmentEvent) { f(event) }
