// Package validator enforces the payload and path-safety rules from
// spec.md §4.11. Stdlib-only checks grounded on the teacher's validation.go
// (isHex40, hasHex64Prefix): the branch rule is a single regexp, the path
// rules use filepath.Clean and filepath.Rel.
package validator

import (
	"path/filepath"
	"regexp"
	"strings"

	"deployerd/m/v2/internal/apierr"
)

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,128}$`)

// ValidRuntimes and ValidTargets enumerate the only accepted tagged-variant
// values (spec.md §3).
var (
	ValidRuntimes = map[string]bool{"static": true, "node": true}
	ValidTargets  = map[string]bool{"server": true, "github-pages": true, "both": true}
)

// Branch validates the branch name format.
func Branch(branch string) error {
	if !branchPattern.MatchString(branch) {
		return apierr.New(apierr.KindValidation, "branch must match ^[A-Za-z0-9._/-]{1,128}$")
	}
	return nil
}

// Runtime validates the runtime tag.
func Runtime(runtime string) error {
	if !ValidRuntimes[runtime] {
		return apierr.New(apierr.KindValidation, "runtime must be one of: static, node")
	}
	return nil
}

// Target validates the publish target.
func Target(target string) error {
	if !ValidTargets[target] {
		return apierr.New(apierr.KindValidation, "target must be one of: server, github-pages, both")
	}
	return nil
}

// DeployPath resolves deployPath and rejects it unless it stays under
// webRoot (spec.md §4.11, §6 S6).
func DeployPath(deployPath, webRoot string) (string, error) {
	return withinRoot(deployPath, webRoot, "deployPath")
}

// BuildOutput resolves buildOutput against repoRoot and rejects escapes.
func BuildOutput(buildOutput, repoRoot string) (string, error) {
	resolved := buildOutput
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(repoRoot, resolved)
	}
	return withinRoot(resolved, repoRoot, "buildOutput")
}

func withinRoot(candidate, root, field string) (string, error) {
	resolvedRoot := filepath.Clean(root)
	resolvedCandidate := filepath.Clean(candidate)

	rel, err := filepath.Rel(resolvedRoot, resolvedCandidate)
	if err != nil {
		return "", apierr.Wrap(apierr.KindPathEscape, field+" escapes its allowed root", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apierr.New(apierr.KindPathEscape, field+" resolves outside its allowed root")
	}
	return resolvedCandidate, nil
}

// EnvEntry mirrors envbuild.Entry for validation purposes without importing
// that package (keeps validator dependency-free of store/env-build types).
type EnvEntry struct {
	Key      string
	IsSecret bool
}

// EnvEntries enforces unique keys and rejects secret→plain downgrades by
// comparing against the previously stored entries for the same project.
func EnvEntries(incoming []EnvEntry, stored map[string]bool) error {
	seen := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		if e.Key == "" {
			continue
		}
		if seen[e.Key] {
			return apierr.New(apierr.KindValidation, "duplicate env key: "+e.Key)
		}
		seen[e.Key] = true

		wasSecret, existed := stored[e.Key]
		if existed && wasSecret && !e.IsSecret {
			return apierr.New(apierr.KindSecretDowngrade, "env key "+e.Key+" cannot change from secret to plain")
		}
	}
	return nil
}
