package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/applog"
	"deployerd/m/v2/internal/deploymentstore"
	"deployerd/m/v2/internal/envbuild"
	"deployerd/m/v2/internal/execrunner"
	"deployerd/m/v2/internal/procmanager"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/vcs"
	"deployerd/m/v2/internal/webserver"
)

// stepNames is the fixed execution order (spec.md §4.8).
var stepNames = []string{"sync", "install", "test", "build", "release", "nginx", "runtime"}

func (e *Engine) runPipeline(ctx context.Context, j job) {
	d, err := e.deployments.GetForProject(j.projectID, j.deploymentID)
	if err != nil {
		e.logger.Printf("deploy %s: failed to reload queued record: %v", j.deploymentID, err)
		return
	}

	sink, err := newFileSink(d.LogPath, e.logger)
	if err != nil {
		e.failDeployment(&d, "", fmt.Sprintf("failed to open log file: %v", err))
		return
	}
	defer sink.Close()

	d.Status = deploymentstore.StatusRunning
	d.StartedAt = deploymentstore.NowRFC3339()
	_ = e.deployments.Update(d)

	project, err := e.projects.Get(j.projectID)
	if err != nil {
		e.failDeployment(&d, "sync", err.Error())
		return
	}

	resolved, err := e.resolveCommands(project)
	if err != nil {
		e.failDeployment(&d, "sync", err.Error())
		return
	}

	built, err := envbuild.Build(projectstore.ToEnvEntries(project.Env), e.codec)
	if err != nil {
		sink.Write("Failed to decrypt secrets")
		e.failDeployment(&d, "sync", err.Error())
		return
	}

	repoDir := filepath.Join(e.opts.repoParentDir(), j.projectID, "repo")
	releasesDir := filepath.Join(e.opts.ProjectsDir, j.projectID, e.opts.ReleasesDirName)
	currentLink := filepath.Join(e.opts.ProjectsDir, j.projectID, "current")
	previousLink := filepath.Join(e.opts.ProjectsDir, j.projectID, "previous")

	p := &pipelineRun{
		engine:    e,
		job:       j,
		deployment: &d,
		project:   &project,
		resolved:  resolved,
		built:     built,
		sink:      sink,
		repoDir:   repoDir,
		releasesDir: releasesDir,
		currentLink: currentLink,
		previousLink: previousLink,
	}

	p.execute(ctx)
}

// resolvedCommands is the per-deployment install/test/build/start command
// set after template resolution (spec.md §3's "Command template").
type resolvedCommands struct {
	install string
	test    string
	build   string
	start   string
}

func (e *Engine) resolveCommands(p projectstore.Project) (resolvedCommands, error) {
	if !projectstore.IsPrivilegedOwner(p.OwnerID) {
		tmpl, err := e.projects.LoadTemplate(p.TemplateID)
		if err != nil {
			return resolvedCommands{}, err
		}
		return resolvedCommands{
			install: tmpl.InstallCommand,
			test:    tmpl.TestCommand,
			build:   tmpl.BuildCommand,
			start:   tmpl.StartCommand,
		}, nil
	}

	return resolvedCommands{
		install: p.InstallCommand,
		test:    p.TestCommand,
		build:   p.BuildCommand,
		start:   p.StartCommand,
	}, nil
}

type pipelineRun struct {
	engine *Engine
	job    job

	deployment *deploymentstore.Deployment
	project    *projectstore.Project
	resolved   resolvedCommands
	built      envbuild.Built

	sink *fileSink

	repoDir      string
	releasesDir  string
	currentLink  string
	previousLink string

	releaseDir string // set once step 5 creates it
}

func (p *pipelineRun) execute(ctx context.Context) {
	e := p.engine

	for _, step := range stepNames {
		p.startStep(step)

		var err error
		switch step {
		case "sync":
			err = p.runSync()
		case "install":
			err = p.runInstall(ctx)
		case "test":
			err = p.runTest(ctx)
		case "build":
			err = p.runBuild(ctx)
		case "release":
			err = p.runRelease()
		case "nginx":
			err = p.runNginx(ctx)
		case "runtime":
			err = p.runRuntime(ctx)
		}

		if err != nil {
			p.finishStep(step, false, err.Error())
			p.sink.Write(fmt.Sprintf("step %s failed: %v", step, err))
			e.failDeployment(p.deployment, step, err.Error())
			return
		}
		p.finishStep(step, true, "")
	}

	e.succeedDeployment(p.deployment, p.project)
}

func (p *pipelineRun) startStep(step string) {
	p.deployment.Steps[step] = &deploymentstore.StepState{
		Status:    "running",
		StartedAt: deploymentstore.NowRFC3339(),
	}
	_ = p.engine.deployments.Update(*p.deployment)
}

func (p *pipelineRun) finishStep(step string, success bool, errMsg string) {
	s := p.deployment.Steps[step]
	s.FinishedAt = deploymentstore.NowRFC3339()
	if success {
		s.Status = "success"
	} else {
		s.Status = "failed"
		s.Error = errMsg
	}
	_ = p.engine.deployments.Update(*p.deployment)
}

func (p *pipelineRun) isDryRun() bool { return p.job.dryRun }

func (p *pipelineRun) mergedEnv() []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env, p.built.Merged()...)
	return env
}

func (p *pipelineRun) runSync() error {
	if p.isDryRun() {
		p.sink.Write(fmt.Sprintf("[dry-run] sync %s@%s", p.project.Repo, p.project.Branch))
		p.deployment.Commit = "0000000000000000000000000000000000000000"
		return nil
	}

	commit, err := vcs.Sync(p.project.Repo, p.project.Branch, p.repoDir)
	if err != nil {
		return err
	}
	p.deployment.Commit = commit
	return nil
}

func (p *pipelineRun) runInstall(ctx context.Context) error {
	install := p.resolved.install
	if install == "" {
		if fileExists(filepath.Join(p.repoDir, "package-lock.json")) {
			install = "npm ci"
		} else if fileExists(filepath.Join(p.repoDir, "package.json")) {
			install = "npm install --production"
		} else {
			p.sink.Write("no install command resolved, skipping")
			return nil
		}
	}

	_, err := execrunner.RunShell(ctx, install, execrunner.Options{
		Cwd: p.repoDir, Env: p.mergedEnv(), RedactKeys: p.built.SecretKeys, DryRun: p.isDryRun(),
	}, p.sink)
	return err
}

func (p *pipelineRun) runTest(ctx context.Context) error {
	if p.resolved.test == "" {
		p.sink.Write("no test command configured, skipping")
		return nil
	}
	_, err := execrunner.RunShell(ctx, p.resolved.test, execrunner.Options{
		Cwd: p.repoDir, Env: p.mergedEnv(), RedactKeys: p.built.SecretKeys, DryRun: p.isDryRun(),
	}, p.sink)
	return err
}

func (p *pipelineRun) runBuild(ctx context.Context) error {
	if p.resolved.build == "" {
		return apierr.New(apierr.KindConfigIncomplete, "no build command resolved")
	}
	_, err := execrunner.RunShell(ctx, p.resolved.build, execrunner.Options{
		Cwd: p.repoDir, Env: p.mergedEnv(), RedactKeys: p.built.SecretKeys, DryRun: p.isDryRun(),
	}, p.sink)
	return err
}

func (p *pipelineRun) runRelease() error {
	buildOutput := p.project.BuildOutput
	if buildOutput == "" {
		buildOutput = p.engine.opts.DefaultBuildOutput
	}
	resolvedOutput, err := validateBuildOutput(buildOutput, p.repoDir)
	if err != nil {
		return err
	}

	if p.isDryRun() {
		p.sink.Write(fmt.Sprintf("[dry-run] release from %s", resolvedOutput))
		return nil
	}

	if _, err := os.Stat(resolvedOutput); err != nil {
		return apierr.Wrap(apierr.KindValidation, "build output directory does not exist", err)
	}

	sha7 := p.deployment.Commit
	if len(sha7) > 7 {
		sha7 = sha7[:7]
	}
	releaseName := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sha7)
	releaseDir := filepath.Join(p.releasesDir, releaseName)

	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return apierr.Wrap(apierr.KindCommandFailed, "failed to create release directory", err)
	}
	if err := copyTree(resolvedOutput, releaseDir); err != nil {
		return apierr.Wrap(apierr.KindCommandFailed, "failed to copy build output into release", err)
	}
	p.releaseDir = releaseDir

	lock := p.engine.projectLock(p.job.projectID)
	lock.Lock()
	defer lock.Unlock()

	if target, err := os.Readlink(p.currentLink); err == nil {
		_ = os.Remove(p.previousLink)
		if err := os.Symlink(target, p.previousLink); err != nil {
			return apierr.Wrap(apierr.KindCommandFailed, "failed to re-point previous symlink", err)
		}
	}

	_ = os.Remove(p.currentLink)
	if err := os.Symlink(releaseDir, p.currentLink); err != nil {
		return apierr.Wrap(apierr.KindCommandFailed, "failed to flip current symlink", err)
	}

	deployPath, err := validateDeployPath(p.project.DeployPath, p.engine.opts.NginxRoot)
	if err != nil {
		return err
	}
	_ = os.Remove(deployPath)
	if err := os.Symlink(releaseDir, deployPath); err != nil {
		return apierr.Wrap(apierr.KindCommandFailed, "failed to flip deploy path symlink", err)
	}

	return nil
}

func (p *pipelineRun) runNginx(ctx context.Context) error {
	if p.project.Runtime == webserver.RuntimeNode && p.project.RuntimePort == 0 {
		p.project.RuntimePort = assignRuntimePort(p.job.projectID)
	}

	cfg := webserver.Config{
		ProjectID:   p.job.projectID,
		Runtime:     p.project.Runtime,
		Domain:      p.project.Domain,
		DeployPath:  p.project.DeployPath,
		RuntimePort: p.project.RuntimePort,
	}
	return p.engine.webServer.Apply(ctx, cfg, p.isDryRun(), p.sink)
}

func (p *pipelineRun) runRuntime(ctx context.Context) error {
	if p.project.Runtime != webserver.RuntimeNode {
		p.sink.Write(procmanager.NoOpReason(p.project.Runtime))
		return nil
	}

	env := p.mergedEnv()
	env = append(env, fmt.Sprintf("PORT=%d", p.project.RuntimePort))

	cwd := p.currentLink
	if p.isDryRun() {
		cwd = filepath.Join(p.repoDir)
	}

	return p.engine.procManager.StartOrRestart(ctx, p.job.projectID, cwd, p.resolved.start, env, p.isDryRun(), p.sink)
}

func (e *Engine) failDeployment(d *deploymentstore.Deployment, step, errMsg string) {
	d.Status = deploymentstore.StatusFailed
	d.FinishedAt = deploymentstore.NowRFC3339()
	d.Error = errMsg
	_ = e.deployments.Update(*d)
	e.logger.Printf("deploy %s (project %s) failed at step %q: %s", d.DeploymentID, d.ProjectID, step, errMsg)
	applog.Journal(fmt.Sprintf("deployerd: deploy %s (project %s) failed at step %q: %s", d.DeploymentID, d.ProjectID, step, errMsg), "err")
}

func (e *Engine) succeedDeployment(d *deploymentstore.Deployment, project *projectstore.Project) {
	d.Status = deploymentstore.StatusSuccess
	d.FinishedAt = deploymentstore.NowRFC3339()
	_ = e.deployments.Update(*d)

	if d.DryRun {
		e.logger.Printf("deploy %s (project %s) succeeded (dry-run)", d.DeploymentID, d.ProjectID)
		return
	}

	project.LastDeploy = d.FinishedAt
	project.LastCommit = d.Commit
	_ = e.projects.Update(*project)

	e.logger.Printf("deploy %s (project %s) succeeded at commit %s", d.DeploymentID, d.ProjectID, d.Commit)
	applog.Journal(fmt.Sprintf("deployerd: deploy %s (project %s) succeeded at commit %s", d.DeploymentID, d.ProjectID, d.Commit), "info")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
