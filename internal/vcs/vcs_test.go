package vcs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initFixtureRepo(t *testing.T, dir, branch string) string {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	readmePath := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readmePath, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sig := &object.Signature{Name: "tester", Email: "tester@example.com"}
	hash, err := worktree.Commit("initial commit", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Name().Short() != branch {
		t.Fatalf("fixture repo default branch is %q, want %q (adjust test)", head.Name().Short(), branch)
	}

	return hash.String()
}

func TestSyncClonesFreshRepo(t *testing.T) {
	base := t.TempDir()
	origin := filepath.Join(base, "origin")
	os.MkdirAll(origin, 0o755)
	wantHash := initFixtureRepo(t, origin, defaultBranchName(t))

	repoDir := filepath.Join(base, "repo")
	gotHash, err := Sync(origin, defaultBranchName(t), repoDir)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gotHash != wantHash {
		t.Fatalf("got head %s, want %s", gotHash, wantHash)
	}

	if _, err := os.Stat(filepath.Join(repoDir, "README.md")); err != nil {
		t.Fatalf("expected checked-out README.md: %v", err)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/o/r":     "https://example.com/o/r.git",
		"https://example.com/o/r.git": "https://example.com/o/r.git",
		"/srv/repos/origin":           "/srv/repos/origin",
	}
	for in, want := range cases {
		if got := normalizeURL(in); got != want {
			t.Errorf("normalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// defaultBranchName returns the branch go-git's PlainInit picks by default
// in this module's pinned version, so fixtures don't hardcode an assumption
// that might drift with the library's default-branch behavior.
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
