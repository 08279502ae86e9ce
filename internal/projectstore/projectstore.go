// Package projectstore provides on-disk CRUD for project records, one JSON
// file per project under PROJECTS_DIR, plus the read-only command-template
// catalog. Tempfile+rename durability and directory-listing tolerance of
// unparseable entries are grounded on Aureuma-si's agent manager state
// store (agents/manager/internal/state/store.go: persistLocked/load).
package projectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/envbuild"
	"deployerd/m/v2/internal/secrets"
)

// EnvEntry is the on-disk shape of a project env entry (spec.md §3).
type EnvEntry struct {
	Key            string `json:"key"`
	IsSecret       bool   `json:"isSecret"`
	Value          string `json:"value,omitempty"`
	EncryptedValue string `json:"encryptedValue,omitempty"`
}

// Project is the on-disk project record.
type Project struct {
	ProjectID      string  `json:"projectId"`
	Repo           string  `json:"repo"`
	Branch         string  `json:"branch"`
	BuildCommand   string  `json:"buildCommand"`
	InstallCommand string  `json:"installCommand,omitempty"`
	TestCommand    string  `json:"testCommand,omitempty"`
	StartCommand   string  `json:"startCommand,omitempty"`
	BuildOutput    string  `json:"buildOutput"`
	Runtime        string  `json:"runtime"`
	RuntimePort    int     `json:"runtimePort,omitempty"`
	DeployPath     string  `json:"deployPath"`
	Domain         string  `json:"domain,omitempty"`
	Port           int     `json:"port,omitempty"`
	Target         string  `json:"target"`
	OwnerID        string  `json:"ownerId"`
	TemplateID     string  `json:"templateId,omitempty"`
	Env            EnvList `json:"env"`
	LastDeploy     string  `json:"lastDeploy,omitempty"`
	LastCommit     string  `json:"lastCommit,omitempty"`
}

// EnvList unmarshals either the current entry-list form or the legacy
// map form ({KEY: value}), converting the latter to plain entries on read
// (spec.md §4.4: "converts legacy map form to the entry-list form").
type EnvList []EnvEntry

func (l *EnvList) UnmarshalJSON(data []byte) error {
	var asList []EnvEntry
	if err := json.Unmarshal(data, &asList); err == nil {
		*l = asList
		return nil
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("env is neither an entry list nor a legacy map: %w", err)
	}

	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]EnvEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, EnvEntry{Key: k, Value: fmt.Sprintf("%v", asMap[k])})
	}
	*l = out
	return nil
}

// Template is a read-only command-template catalog entry.
type Template struct {
	InstallCommand string `json:"installCommand,omitempty"`
	BuildCommand   string `json:"buildCommand"`
	TestCommand    string `json:"testCommand,omitempty"`
	StartCommand   string `json:"startCommand,omitempty"`
}

const (
	configFileName   = "deploy-config.json"
	templatesFile    = ".templates.json"
	adminOwnerID     = "admin"
)

// Store is the on-disk project CRUD surface rooted at dir (PROJECTS_DIR).
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.dir, projectID)
}

func (s *Store) configPath(projectID string) string {
	return filepath.Join(s.projectDir(projectID), configFileName)
}

// Get loads a project record, normalizing its env entries (spec.md §4.4).
func (s *Store) Get(projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(projectID)
}

func (s *Store) readLocked(projectID string) (Project, error) {
	data, err := os.ReadFile(s.configPath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return Project{}, apierr.New(apierr.KindNotFound, "project "+projectID+" does not exist")
		}
		return Project{}, apierr.Wrap(apierr.KindNotFound, "failed to read project record", err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return Project{}, apierr.Wrap(apierr.KindNotFound, "project record is corrupt", err)
	}
	p.Env = normalizeEnv(p.Env)
	return p, nil
}

// normalizeEnv drops entries missing a key; legacy map-to-list conversion
// already happened in EnvList.UnmarshalJSON.
func normalizeEnv(entries EnvList) EnvList {
	out := make(EnvList, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Create persists a brand-new project record, failing if one already exists.
func (s *Store) Create(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.configPath(p.ProjectID)); err == nil {
		return apierr.New(apierr.KindAlreadyExists, "project "+p.ProjectID+" already exists")
	}

	if err := os.MkdirAll(s.projectDir(p.ProjectID), 0o755); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to create project directory", err)
	}
	return s.writeLocked(p)
}

// Update persists changes to an existing project record (partial-update
// callers must first Get, mutate, then Update).
func (s *Store) Update(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p)
}

func (s *Store) writeLocked(p Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to marshal project record", err)
	}

	path := s.configPath(p.ProjectID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to write project record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to commit project record", err)
	}
	return nil
}

// List enumerates all project records, silently skipping directories whose
// config file fails to parse (tolerance to human edits, spec.md §4.4).
func (s *Store) List() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindNotFound, "failed to list project directory", err)
	}

	var projects []Project
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := s.readLocked(entry.Name())
		if err != nil {
			continue
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].ProjectID < projects[j].ProjectID })
	return projects, nil
}

// IsPrivilegedOwner reports whether ownerID is the admin owner (spec.md §3).
func IsPrivilegedOwner(ownerID string) bool {
	return ownerID == adminOwnerID
}

// LoadTemplate reads a single template from the catalog file.
func (s *Store) LoadTemplate(templateID string) (Template, error) {
	templates, err := s.loadTemplates()
	if err != nil {
		return Template{}, err
	}
	tmpl, ok := templates[templateID]
	if !ok {
		return Template{}, apierr.New(apierr.KindNotFound, "template "+templateID+" does not exist")
	}
	return tmpl, nil
}

func (s *Store) loadTemplates() (map[string]Template, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, templatesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Template{}, nil
		}
		return nil, apierr.Wrap(apierr.KindNotFound, "failed to read template catalog", err)
	}

	var templates map[string]Template
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "template catalog is corrupt", err)
	}
	return templates, nil
}

// StoredSecretKeys maps each stored env key to whether it is currently
// secret, for the validator's secret-downgrade check (spec.md §4.11).
func StoredSecretKeys(entries EnvList) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.Key] = e.IsSecret
	}
	return out
}

// FormatEnvForWrite turns incoming update entries into the on-disk shape,
// encrypting fresh secret values and reusing the stored ciphertext when an
// update carries isSecret=true with no new value (spec.md §4.4). Fails with
// apierr.KindSecretMissing if a secret entry has neither a new value nor a
// prior ciphertext to fall back on.
func FormatEnvForWrite(incoming []EnvEntry, existing EnvList, codec *secrets.Codec) (EnvList, error) {
	existingByKey := make(map[string]EnvEntry, len(existing))
	for _, e := range existing {
		existingByKey[e.Key] = e
	}

	out := make(EnvList, 0, len(incoming))
	for _, e := range incoming {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}

		entry := EnvEntry{Key: e.Key, IsSecret: e.IsSecret}
		if !e.IsSecret {
			entry.Value = e.Value
			out = append(out, entry)
			continue
		}

		if e.Value != "" {
			encrypted, err := codec.Encrypt(e.Value)
			if err != nil {
				return nil, err
			}
			entry.EncryptedValue = encrypted
		} else if prior, ok := existingByKey[e.Key]; ok && prior.EncryptedValue != "" {
			entry.EncryptedValue = prior.EncryptedValue
		} else {
			return nil, apierr.New(apierr.KindSecretMissing, "secret entry "+e.Key+" has no value to store")
		}
		out = append(out, entry)
	}
	return out, nil
}

// ToEnvEntries converts a project's on-disk env entries into envbuild's
// input shape.
func ToEnvEntries(entries EnvList) []envbuild.Entry {
	out := make([]envbuild.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, envbuild.Entry{
			Key:            e.Key,
			IsSecret:       e.IsSecret,
			Value:          e.Value,
			EncryptedValue: e.EncryptedValue,
		})
	}
	return out
}
