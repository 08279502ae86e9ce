// Package vcs clones or refreshes a project's working tree and resolves its
// HEAD commit. Grounded on the teacher's git.go (PlainOpen, Worktree,
// repo.Head, plumbing.Hash), which used go-git for config-repo bookkeeping;
// here the same library drives per-project clone/fetch/checkout/pull
// (spec.md §4.5) instead of a single local config repo.
package vcs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"deployerd/m/v2/internal/apierr"
)

// Sync clones repoURL into repoDir at branch if repoDir/.git doesn't exist
// yet; otherwise fetches, checks out branch, and fast-forwards. Returns the
// resolved HEAD commit SHA.
func Sync(repoURL, branch, repoDir string) (string, error) {
	normalizedURL := normalizeURL(repoURL)

	dotGit := filepath.Join(repoDir, ".git")
	if _, err := os.Stat(dotGit); os.IsNotExist(err) {
		return clone(normalizedURL, branch, repoDir)
	} else if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to inspect repo directory", err)
	}

	return fetchAndFastForward(repoDir, branch)
}

func clone(repoURL, branch, repoDir string) (string, error) {
	_, err := git.PlainClone(repoDir, false, &git.CloneOptions{
		URL:           repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "git clone failed", err)
	}
	return headSHA(repoDir)
}

// CloneShallow performs the depth-1 clone used by the project import
// endpoint (spec.md §3: "clones the repo once at --depth 1").
func CloneShallow(repoURL, branch, repoDir string) (string, error) {
	normalizedURL := normalizeURL(repoURL)
	_, err := git.PlainClone(repoDir, false, &git.CloneOptions{
		URL:           normalizedURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "git clone --depth 1 failed", err)
	}
	return headSHA(repoDir)
}

func fetchAndFastForward(repoDir, branch string) (string, error) {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to open repo", err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to resolve origin remote", err)
	}

	err = remote.Fetch(&git.FetchOptions{
		RefSpecs: []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Prune:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", apierr.Wrap(apierr.KindCommandFailed, "git fetch --all --prune failed", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to get worktree", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: branchRef,
		Force:  false,
	})
	if err != nil {
		// Local branch may not exist yet if it was only ever fetched remotely.
		remoteRef, refErr := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
		if refErr != nil {
			return "", apierr.Wrap(apierr.KindCommandFailed, "git checkout failed", err)
		}
		createErr := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteRef.Hash()))
		if createErr != nil {
			return "", apierr.Wrap(apierr.KindCommandFailed, "failed to create local branch", createErr)
		}
		if err = worktree.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
			return "", apierr.Wrap(apierr.KindCommandFailed, "git checkout failed", err)
		}
	}

	err = worktree.Pull(&git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: branchRef,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", apierr.Wrap(apierr.KindCommandFailed, "git pull --ff-only failed", err)
	}

	return headSHA(repoDir)
}

func headSHA(repoDir string) (string, error) {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to open repo for rev-parse", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", apierr.Wrap(apierr.KindCommandFailed, "failed to resolve HEAD", err)
	}
	return ref.Hash().String(), nil
}

// normalizeURL appends a .git suffix to canonical HTTP(S) remotes, per
// spec.md §4.5. Local filesystem paths (used by tests and file:// clones)
// are left untouched since appending .git there would point at a sibling
// path instead of the repository itself.
func normalizeURL(repoURL string) string {
	if !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	if strings.HasSuffix(repoURL, ".git") {
		return repoURL
	}
	return repoURL + ".git"
}
