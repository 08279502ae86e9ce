package engine

import (
	"os"
	"path/filepath"
	"testing"

	"deployerd/m/v2/internal/deploymentstore"
)

// TestRunReleasePromotesSymlinksAndTracksPrevious drives pipelineRun.runRelease
// directly (white-box, same package) past the dry-run short-circuit that every
// engine/httpapi-level test exercises, covering the symlink-promotion critical
// section itself (pipeline.go's projectLock + previous/current/deployPath
// flips) — invariant #1 and the two-deploy S5 scenario in spec.md.
func TestRunReleasePromotesSymlinksAndTracksPrevious(t *testing.T) {
	eng, projects, dir := newTestEngine(t, 1, 10)
	proj := staticProject("p1", dir)
	if err := projects.Create(proj); err != nil {
		t.Fatalf("Create project: %v", err)
	}
	// deployPath's parent directory is provisioned on the host ahead of any
	// deploy (it lives under NGINX_ROOT); runRelease only ever creates the
	// release directory and the symlinks themselves.
	if err := os.MkdirAll(filepath.Dir(proj.DeployPath), 0o755); err != nil {
		t.Fatalf("MkdirAll deployPath parent: %v", err)
	}

	repoDir := t.TempDir()
	buildOutputDir := filepath.Join(repoDir, "dist")
	if err := os.MkdirAll(buildOutputDir, 0o755); err != nil {
		t.Fatalf("MkdirAll buildOutputDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(buildOutputDir, "index.html"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	releasesDir := filepath.Join(dir, "p1", "releases")
	currentLink := filepath.Join(dir, "p1", "current")
	previousLink := filepath.Join(dir, "p1", "previous")

	newRun := func(commit string) *pipelineRun {
		sink, err := newFileSink(filepath.Join(t.TempDir(), "deploy.log"), nil)
		if err != nil {
			t.Fatalf("newFileSink: %v", err)
		}
		t.Cleanup(sink.Close)

		p := proj
		d := &deploymentstore.Deployment{
			DeploymentID: "d-" + commit[:7],
			ProjectID:    "p1",
			Commit:       commit,
			Steps:        map[string]*deploymentstore.StepState{},
		}
		return &pipelineRun{
			engine:       eng,
			job:          job{projectID: "p1", deploymentID: d.DeploymentID, dryRun: false},
			deployment:   d,
			project:      &p,
			resolved:     resolvedCommands{build: proj.BuildCommand},
			sink:         sink,
			repoDir:      repoDir,
			releasesDir:  releasesDir,
			currentLink:  currentLink,
			previousLink: previousLink,
		}
	}

	run1 := newRun("1111111111111111111111111111111111111111")
	if err := run1.runRelease(); err != nil {
		t.Fatalf("runRelease (first): %v", err)
	}

	firstTarget, err := os.Readlink(currentLink)
	if err != nil {
		t.Fatalf("Readlink current: %v", err)
	}
	if filepath.Dir(firstTarget) != releasesDir {
		t.Fatalf("current %q should resolve under releases dir %q", firstTarget, releasesDir)
	}
	deployTarget, err := os.Readlink(proj.DeployPath)
	if err != nil {
		t.Fatalf("Readlink deployPath: %v", err)
	}
	if deployTarget != firstTarget {
		t.Fatalf("deployPath target %q should match current target %q", deployTarget, firstTarget)
	}
	if _, err := os.Readlink(previousLink); !os.IsNotExist(err) {
		t.Fatalf("previous should not exist after the first release, got err=%v", err)
	}

	if err := os.WriteFile(filepath.Join(buildOutputDir, "index.html"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFile v2: %v", err)
	}

	run2 := newRun("2222222222222222222222222222222222222222")
	if err := run2.runRelease(); err != nil {
		t.Fatalf("runRelease (second): %v", err)
	}

	secondTarget, err := os.Readlink(currentLink)
	if err != nil {
		t.Fatalf("Readlink current (after second release): %v", err)
	}
	if secondTarget == firstTarget {
		t.Fatalf("second release should create a new release directory, got same target %q", secondTarget)
	}

	prevTarget, err := os.Readlink(previousLink)
	if err != nil {
		t.Fatalf("Readlink previous: %v", err)
	}
	if prevTarget != firstTarget {
		t.Fatalf("previous %q should point at the first release %q", prevTarget, firstTarget)
	}

	deployTarget2, err := os.Readlink(proj.DeployPath)
	if err != nil {
		t.Fatalf("Readlink deployPath (after second release): %v", err)
	}
	if deployTarget2 != secondTarget {
		t.Fatalf("deployPath target %q should match the new current target %q", deployTarget2, secondTarget)
	}

	if _, err := projects.Get("p1"); err != nil {
		t.Fatalf("project record should still be readable: %v", err)
	}
}
