// Package deploymentstore provides on-disk CRUD for deployment records
// (one JSON file per deployment) and the process-wide deployments index
// (deploymentId -> projectId) that lets the HTTP facade find a deployment's
// owning project without scanning every project directory. Tempfile+rename
// durability for the index mirrors projectstore and its own grounding
// (Aureuma-si agents/manager/internal/state/store.go).
package deploymentstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deployerd/m/v2/internal/apierr"
)

const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const indexFileName = ".deployments-index.json"

// StepState is one pipeline step's recorded outcome.
type StepState struct {
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Deployment is the on-disk deployment record (spec.md §3).
type Deployment struct {
	DeploymentID string                `json:"deploymentId"`
	ProjectID    string                `json:"projectId"`
	Status       string                `json:"status"`
	DryRun       bool                  `json:"dryRun"`
	CreatedAt    string                `json:"createdAt"`
	StartedAt    string                `json:"startedAt,omitempty"`
	FinishedAt   string                `json:"finishedAt,omitempty"`
	Commit       string                `json:"commit,omitempty"`
	LogPath      string                `json:"logPath"`
	Error        string                `json:"error,omitempty"`
	Steps        map[string]*StepState `json:"steps"`
}

// Store is the on-disk deployment CRUD surface. projectsDir and logsDir
// match PROJECTS_DIR/LOGS_DIR; deployments live under
// <projectsDir>/<projectId>/deployments/<deploymentId>.json.
type Store struct {
	projectsDir string
	logsDir     string

	indexMu sync.Mutex
}

func New(projectsDir, logsDir string) *Store {
	return &Store{projectsDir: projectsDir, logsDir: logsDir}
}

func (s *Store) deploymentPath(projectID, deploymentID string) string {
	return filepath.Join(s.projectsDir, projectID, "deployments", deploymentID+".json")
}

// NewDeploymentID generates a fresh deployment id (spec.md §3: UUID).
func NewDeploymentID() string {
	return uuid.NewString()
}

// LogPath returns the log file path for a deployment (spec.md: filesystem
// layout, <LOGS_DIR>/<projectId>/<deploymentId>.log).
func (s *Store) LogPath(projectID, deploymentID string) string {
	return filepath.Join(s.logsDir, projectID, deploymentID+".log")
}

// Create persists a freshly queued deployment record and registers it in
// the deployments index.
func (s *Store) Create(d Deployment) error {
	dir := filepath.Dir(s.deploymentPath(d.ProjectID, d.DeploymentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to create deployments directory", err)
	}
	if err := s.write(d); err != nil {
		return err
	}
	return s.indexPut(d.DeploymentID, d.ProjectID)
}

// Update persists an in-place update to an existing deployment record.
// Per-deployment JSON tolerates last-write-wins (spec.md §9): a crash
// mid-write just leaves the record at its previous step.
func (s *Store) Update(d Deployment) error {
	return s.write(d)
}

func (s *Store) write(d Deployment) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to marshal deployment record", err)
	}
	path := s.deploymentPath(d.ProjectID, d.DeploymentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to write deployment record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to commit deployment record", err)
	}
	return nil
}

// Get loads a deployment by id, resolving its owning project via the index.
func (s *Store) Get(deploymentID string) (Deployment, error) {
	projectID, err := s.indexLookup(deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	return s.GetForProject(projectID, deploymentID)
}

// GetForProject loads a deployment when the caller already knows its
// project (avoids an index lookup on the engine's own hot path).
func (s *Store) GetForProject(projectID, deploymentID string) (Deployment, error) {
	data, err := os.ReadFile(s.deploymentPath(projectID, deploymentID))
	if err != nil {
		if os.IsNotExist(err) {
			return Deployment{}, apierr.New(apierr.KindNotFound, "deployment "+deploymentID+" does not exist")
		}
		return Deployment{}, apierr.Wrap(apierr.KindNotFound, "failed to read deployment record", err)
	}
	var d Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return Deployment{}, apierr.Wrap(apierr.KindNotFound, "deployment record is corrupt", err)
	}
	return d, nil
}

// ListForProject returns a project's deployments, newest first, optionally
// bounded to limit entries (0 = unbounded).
func (s *Store) ListForProject(projectID string, limit int) ([]Deployment, error) {
	dir := filepath.Join(s.projectsDir, projectID, "deployments")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindNotFound, "failed to list deployments", err)
	}

	var deployments []Deployment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		deploymentID := trimJSONExt(entry.Name())
		d, err := s.GetForProject(projectID, deploymentID)
		if err != nil {
			continue
		}
		deployments = append(deployments, d)
	}

	sort.Slice(deployments, func(i, j int) bool { return deployments[i].CreatedAt > deployments[j].CreatedAt })

	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

func trimJSONExt(name string) string {
	const ext = ".json"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}

// --- deployments index (deploymentId -> projectId), process-wide mutex
// guarded per spec.md §5.

func (s *Store) indexPath() string {
	return filepath.Join(s.projectsDir, indexFileName)
}

func (s *Store) indexPut(deploymentID, projectID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	index, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	index[deploymentID] = projectID
	return s.writeIndexLocked(index)
}

func (s *Store) indexLookup(deploymentID string) (string, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	index, err := s.readIndexLocked()
	if err != nil {
		return "", err
	}
	projectID, ok := index[deploymentID]
	if !ok {
		return "", apierr.New(apierr.KindNotFound, "deployment "+deploymentID+" does not exist")
	}
	return projectID, nil
}

func (s *Store) readIndexLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, apierr.Wrap(apierr.KindNotFound, "failed to read deployments index", err)
	}
	var index map[string]string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "deployments index is corrupt", err)
	}
	return index, nil
}

func (s *Store) writeIndexLocked(index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to marshal deployments index", err)
	}
	path := s.indexPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindValidation, "failed to write deployments index", err)
	}
	return os.Rename(tmp, path)
}

// NowRFC3339 is the timestamp format used for all record fields (createdAt,
// startedAt, finishedAt).
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
