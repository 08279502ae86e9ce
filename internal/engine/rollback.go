package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/procmanager"
	"deployerd/m/v2/internal/webserver"
)

// Rollback flips projectID's live pointers back to the previous release
// (spec.md §4.9). It does not create a deployment record — this mirrors
// the source system's own behavior, called out explicitly in spec.md §9 as
// an intentional (if log-losing) design choice.
func (e *Engine) Rollback(ctx context.Context, projectID string) error {
	project, err := e.projects.Get(projectID)
	if err != nil {
		return err
	}

	currentLink := filepath.Join(e.opts.ProjectsDir, projectID, "current")
	previousLink := filepath.Join(e.opts.ProjectsDir, projectID, "previous")

	lock := e.projectLock(projectID)
	lock.Lock()
	target, err := os.Readlink(previousLink)
	if err != nil {
		lock.Unlock()
		return apierr.Wrap(apierr.KindNoPrevious, "no previous release to roll back to", err)
	}

	_ = os.Remove(currentLink)
	if err := os.Symlink(target, currentLink); err != nil {
		lock.Unlock()
		return apierr.Wrap(apierr.KindCommandFailed, "failed to flip current symlink to previous", err)
	}

	deployPath, err := validateDeployPath(project.DeployPath, e.opts.NginxRoot)
	if err != nil {
		lock.Unlock()
		return err
	}
	_ = os.Remove(deployPath)
	if err := os.Symlink(target, deployPath); err != nil {
		lock.Unlock()
		return apierr.Wrap(apierr.KindCommandFailed, "failed to flip deploy path symlink to previous", err)
	}
	lock.Unlock()

	sink, sinkErr := newRollbackSink(e.logger)
	if sinkErr != nil {
		return sinkErr
	}
	defer sink.Close()

	cfg := webserver.Config{
		ProjectID:   projectID,
		Runtime:     project.Runtime,
		Domain:      project.Domain,
		DeployPath:  project.DeployPath,
		RuntimePort: project.RuntimePort,
	}
	if err := e.webServer.Apply(ctx, cfg, false, sink); err != nil {
		return err
	}

	if project.Runtime == webserver.RuntimeNode && project.StartCommand != "" {
		if err := e.procManager.Restart(ctx, projectID, false, sink); err != nil {
			return err
		}
	} else {
		sink.Write(procmanager.NoOpReason(project.Runtime))
	}

	return nil
}

// rollbackSink mirrors rollback's command trace to the process logger only
// — rollback has no deployment record to attach a log file to.
type rollbackSink struct {
	logger *log.Logger
}

func newRollbackSink(logger *log.Logger) (*rollbackSink, error) {
	return &rollbackSink{logger: logger}, nil
}

func (s *rollbackSink) Write(line string) {
	if s.logger != nil {
		s.logger.Print(line)
	}
}

func (s *rollbackSink) Close() {}
