// Package engine is the deployment pipeline engine: bounded admission
// queue, parallel worker dispatch, the seven-step pipeline state machine,
// atomic release promotion, and rollback. Concurrency shape (a fixed pool
// of MaxConcurrentDeploys worker goroutines draining a buffered FIFO job
// channel, each worker running one job to completion before picking up the
// next, joined by a sync.WaitGroup) is grounded on the teacher's exec.go
// (runCmd: semaphore channel + sync.WaitGroup across host goroutines); here
// the size of the worker pool, not a semaphore, bounds concurrency.
package engine

import (
	"context"
	"log"
	"sync"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/deploymentstore"
	"deployerd/m/v2/internal/procmanager"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/secrets"
	"deployerd/m/v2/internal/validator"
	"deployerd/m/v2/internal/webserver"
)

// Options configures a new Engine; values come from internal/config.
type Options struct {
	MaxConcurrentDeploys int
	MaxQueueSize         int
	NginxRoot            string
	ReleasesDirName      string
	ProjectsDir          string
	// BuildDir, when set, is the parent directory under which a project's
	// repo checkout and release build happen (spec.md §6: BUILD_DIR),
	// keeping the ephemeral build workspace off the same volume as
	// PROJECTS_DIR's persistent records. Empty falls back to ProjectsDir.
	BuildDir           string
	DefaultBuildOutput string
}

func (o Options) repoParentDir() string {
	if o.BuildDir != "" {
		return o.BuildDir
	}
	return o.ProjectsDir
}

// Engine owns the in-memory job queue and dispatches workers. The zero
// value is not usable; construct with New.
type Engine struct {
	opts Options

	projects    *projectstore.Store
	deployments *deploymentstore.Store
	codec       *secrets.Codec
	webServer   *webserver.Writer
	procManager *procmanager.Manager
	logger      *log.Logger

	countMu     sync.Mutex
	activeCount int
	queuedCount int

	jobs chan job

	projectLocksMu sync.Mutex
	projectLocks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

type job struct {
	projectID    string
	deploymentID string
	dryRun       bool
}

// New constructs an Engine and starts its worker pool. Callers should call
// Stop during graceful shutdown; in-flight jobs run to completion per
// spec.md §5 ("a job, once dispatched, runs to completion"). ctx is handed
// to every subprocess the workers start, so cancelling it kills in-flight
// commands; it does not stop the workers.
func New(
	ctx context.Context,
	opts Options,
	projects *projectstore.Store,
	deployments *deploymentstore.Store,
	codec *secrets.Codec,
	webServer *webserver.Writer,
	procManager *procmanager.Manager,
	logger *log.Logger,
) *Engine {
	if opts.MaxConcurrentDeploys < 1 {
		opts.MaxConcurrentDeploys = 1
	}
	if opts.MaxQueueSize < 1 {
		opts.MaxQueueSize = 1
	}

	e := &Engine{
		opts:         opts,
		projects:     projects,
		deployments:  deployments,
		codec:        codec,
		webServer:    webServer,
		procManager:  procManager,
		logger:       logger,
		jobs:         make(chan job, opts.MaxQueueSize),
		projectLocks: make(map[string]*sync.Mutex),
	}

	for i := 0; i < opts.MaxConcurrentDeploys; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	return e
}

// Wait blocks until all dispatched workers have drained their current job
// and the worker pool has exited (called after the jobs channel is closed
// by Stop).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop closes the job queue so workers exit once they finish their current
// job; it does not cancel in-flight subprocesses.
func (e *Engine) Stop() {
	close(e.jobs)
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	e.projectLocksMu.Lock()
	defer e.projectLocksMu.Unlock()
	l, ok := e.projectLocks[projectID]
	if !ok {
		l = &sync.Mutex{}
		e.projectLocks[projectID] = l
	}
	return l
}

// Enqueue validates and admits a new deployment for projectID, persisting
// a queued deployment record and appending a job. Fails with QueueFull if
// active+queued would exceed MaxQueueSize (spec.md §4.8).
func (e *Engine) Enqueue(projectID string, dryRun bool) (deploymentstore.Deployment, error) {
	project, err := e.projects.Get(projectID)
	if err != nil {
		return deploymentstore.Deployment{}, err
	}

	if err := e.checkAdmissionPreconditions(project); err != nil {
		return deploymentstore.Deployment{}, err
	}

	e.countMu.Lock()
	if e.activeCount+e.queuedCount >= e.opts.MaxQueueSize {
		e.countMu.Unlock()
		return deploymentstore.Deployment{}, apierr.New(apierr.KindQueueFull, "deployment queue is full")
	}
	e.queuedCount++
	e.countMu.Unlock()

	deploymentID := deploymentstore.NewDeploymentID()
	record := deploymentstore.Deployment{
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		Status:       deploymentstore.StatusQueued,
		DryRun:       dryRun,
		CreatedAt:    deploymentstore.NowRFC3339(),
		LogPath:      e.deployments.LogPath(projectID, deploymentID),
		Steps:        map[string]*deploymentstore.StepState{},
	}

	if err := e.deployments.Create(record); err != nil {
		e.countMu.Lock()
		e.queuedCount--
		e.countMu.Unlock()
		return deploymentstore.Deployment{}, err
	}

	e.jobs <- job{projectID: projectID, deploymentID: deploymentID, dryRun: dryRun}
	return record, nil
}

func (e *Engine) checkAdmissionPreconditions(p projectstore.Project) error {
	if err := validator.Branch(p.Branch); err != nil {
		return err
	}
	if p.Repo == "" {
		return apierr.New(apierr.KindConfigIncomplete, "project has no repo configured")
	}

	usesTemplate := !projectstore.IsPrivilegedOwner(p.OwnerID)
	if usesTemplate && p.TemplateID == "" {
		return apierr.New(apierr.KindConfigIncomplete, "non-admin projects must reference a templateId")
	}
	if !usesTemplate && p.BuildCommand == "" && p.TemplateID == "" {
		return apierr.New(apierr.KindConfigIncomplete, "project has no buildCommand or templateId")
	}

	if _, err := validator.DeployPath(p.DeployPath, e.opts.NginxRoot); err != nil {
		return err
	}

	return nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for j := range e.jobs {
		e.countMu.Lock()
		e.queuedCount--
		e.activeCount++
		e.countMu.Unlock()

		e.runPipeline(ctx, j)

		e.countMu.Lock()
		e.activeCount--
		e.countMu.Unlock()
	}
}
