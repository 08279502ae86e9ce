package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"deployerd/m/v2/internal/deploymentstore"
	"deployerd/m/v2/internal/engine"
	"deployerd/m/v2/internal/procmanager"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/secrets"
	"deployerd/m/v2/internal/webserver"
)

// stubAuth lets each test pick the caller identity without standing up real
// session/cookie infrastructure (out of scope per spec.md §1).
type stubAuth struct {
	callerID string
	isAdmin  bool
}

func (s stubAuth) Authenticate(*http.Request) (string, bool, error) {
	return s.callerID, s.isAdmin, nil
}

func newTestServer(t *testing.T, auth Authenticator) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	logsDir := t.TempDir()

	projects := projectstore.New(dir)
	deployments := deploymentstore.New(dir, logsDir)
	codec := secrets.New("test-master-secret", nil)
	webServer := webserver.New(t.TempDir(), t.TempDir())
	procManager := procmanager.New("pm2")
	logger := log.New(log.Writer(), "test ", 0)

	eng := engine.New(context.Background(), engine.Options{
		MaxConcurrentDeploys: 1,
		MaxQueueSize:         10,
		NginxRoot:            dir,
		ReleasesDirName:      "releases",
		ProjectsDir:          dir,
		DefaultBuildOutput:   "dist",
	}, projects, deployments, codec, webServer, procManager, logger)

	srv := New(ServerConfig{
		NginxRoot:            dir,
		ProjectsDir:          dir,
		MaxConcurrentDeploys: 1,
		MaxQueueSize:         10,
	}, eng, projects, deployments, codec, auth, logger)

	return srv, dir
}

func initOriginRepo(t *testing.T, dir, branch string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "tester", Email: "tester@example.com"}
	if _, err := worktree.Commit("initial", &git.CommitOptions{Author: sig}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Name().Short() != branch {
		t.Fatalf("fixture repo default branch is %q, want %q (adjust test)", head.Name().Short(), branch)
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer admin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

// defaultBranchName returns the branch go-git's PlainInit picks by default
// in this module's pinned version (mirrors internal/vcs's own test helper),
// so the fixture doesn't hardcode an assumption that might drift.
func defaultBranchName(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	head, err := repo.Reference("HEAD", false)
	if err != nil {
		t.Fatalf("Reference HEAD: %v", err)
	}
	return head.Target().Short()
}

func TestImportCreatesProjectAndClonesRepo(t *testing.T) {
	srv, dir := newTestServer(t, stubAuth{callerID: "admin", isAdmin: true})
	branch := defaultBranchName(t)

	originDir := filepath.Join(dir, "origin")
	os.MkdirAll(originDir, 0o755)
	initOriginRepo(t, originDir, branch)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/projects/import", importRequest{
		ProjectID:    "p1",
		RepoURL:      originDir,
		Branch:       branch,
		BuildCommand: "npm run build",
		BuildOutput:  "build",
		Runtime:      "static",
		DeployPath:   filepath.Join(dir, "www", "p1"),
		Target:       "server",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	repoDir := filepath.Join(dir, "p1", "repo")
	if _, err := os.Stat(filepath.Join(repoDir, "README.md")); err != nil {
		t.Fatalf("expected cloned repo checkout: %v", err)
	}
}

func TestImportRejectsPathEscapingDeployPath(t *testing.T) {
	srv, dir := newTestServer(t, stubAuth{callerID: "admin", isAdmin: true})
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/projects/import", importRequest{
		ProjectID:  "p2",
		RepoURL:    "https://example.com/o/r.git",
		Branch:     "main",
		Runtime:    "static",
		DeployPath: "/etc/passwd",
		Target:     "server",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "p2")); err == nil {
		t.Fatalf("project directory should not have been created")
	}
}

func TestPatchRejectsNonOwnerWith404(t *testing.T) {
	srv, _ := newTestServer(t, stubAuth{callerID: "someone-else"})
	if err := srv.projects.Create(projectstore.Project{
		ProjectID: "p3", OwnerID: "admin", Runtime: "static", Target: "server", DeployPath: "/var/www/p3",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodPatch, "/api/projects/p3", map[string]string{"branch": "develop"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-owner write, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPatchRejectsPathEscapingBuildOutput(t *testing.T) {
	srv, _ := newTestServer(t, stubAuth{callerID: "admin", isAdmin: true})
	if err := srv.projects.Create(projectstore.Project{
		ProjectID: "p4", OwnerID: "admin", Runtime: "static", Target: "server", DeployPath: "/var/www/p4",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodPatch, "/api/projects/p4", map[string]string{"buildOutput": "../../etc"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeployEnqueuesAndRollbackNoPrevious(t *testing.T) {
	srv, dir := newTestServer(t, stubAuth{callerID: "admin", isAdmin: true})
	if err := srv.projects.Create(projectstore.Project{
		ProjectID:    "p5",
		Repo:         "https://example.com/o/r.git",
		Branch:       "main",
		BuildCommand: "true",
		BuildOutput:  "dist",
		Runtime:      "static",
		DeployPath:   filepath.Join(dir, "www", "p5"),
		Target:       "server",
		OwnerID:      "admin",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/projects/p5/deploy", map[string]bool{"dryRun": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "queued" || resp["projectId"] != "p5" {
		t.Fatalf("unexpected deploy response: %+v", resp)
	}

	rollbackRec := doJSON(t, srv.Router(), http.MethodPost, "/api/projects/p5/rollback", nil)
	if rollbackRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 NoPrevious, got %d: %s", rollbackRec.Code, rollbackRec.Body.String())
	}
}
