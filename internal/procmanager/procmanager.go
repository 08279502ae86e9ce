// Package procmanager adapts the pipeline's runtime step to an external
// process supervisor (PM2) for node projects; static projects are a no-op.
// Invocation shape mirrors the teacher's argv-building commands (exec.go's
// buildUnameKernel/buildMkdir pattern: build an argv slice, hand it to the
// runner), generalized from SSH remote exec to the local process runner.
package procmanager

import (
	"context"
	"fmt"

	"deployerd/m/v2/internal/execrunner"
)

// Manager drives the configured PM2 binary.
type Manager struct {
	PM2Bin string
}

func New(pm2Bin string) *Manager {
	return &Manager{PM2Bin: pm2Bin}
}

// StartOrRestart starts projectID's process under PM2 if it isn't already
// running, or restarts it if it is — PM2's `start` is idempotent against an
// already-registered process name, so a single start call covers both cases
// as long as --update-env is passed to pick up a changed environment.
func (m *Manager) StartOrRestart(ctx context.Context, projectID, cwd, startCommand string, env []string, dryRun bool, sink execrunner.LogSink) error {
	if startCommand == "" {
		return nil
	}

	argv := []string{
		"start", "bash",
		"--name", projectID,
		"--cwd", cwd,
		"--update-env",
		"--", "-lc", startCommand,
	}

	_, err := execrunner.Run(ctx, m.PM2Bin, argv, execrunner.Options{
		Env:    env,
		DryRun: dryRun,
	}, sink)
	return err
}

// Restart restarts an already-running process, used by rollback (spec.md
// §4.9) which doesn't re-resolve env or cwd.
func (m *Manager) Restart(ctx context.Context, projectID string, dryRun bool, sink execrunner.LogSink) error {
	_, err := execrunner.Run(ctx, m.PM2Bin, []string{"restart", projectID}, execrunner.Options{DryRun: dryRun}, sink)
	return err
}

// NoOpReason documents, for logging, why static runtimes skip this step.
func NoOpReason(runtime string) string {
	return fmt.Sprintf("runtime %q has no supervised process", runtime)
}
