package httpapi

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/validator"
	"deployerd/m/v2/internal/vcs"
)

var projectIDPattern = "^[a-z0-9][a-z0-9-]{0,63}$"

type envEntryDTO struct {
	Key      string `json:"key"`
	IsSecret bool   `json:"isSecret"`
	Value    string `json:"value,omitempty"`
}

func toProjectEnvEntries(in []envEntryDTO) []projectstore.EnvEntry {
	out := make([]projectstore.EnvEntry, 0, len(in))
	for _, e := range in {
		out = append(out, projectstore.EnvEntry{Key: e.Key, IsSecret: e.IsSecret, Value: e.Value})
	}
	return out
}

type importRequest struct {
	ProjectID      string        `json:"projectId"`
	RepoURL        string        `json:"repoUrl"`
	Branch         string        `json:"branch"`
	BuildCommand   string        `json:"buildCommand"`
	InstallCommand string        `json:"installCommand"`
	TestCommand    string        `json:"testCommand"`
	StartCommand   string        `json:"startCommand"`
	BuildOutput    string        `json:"buildOutput"`
	Runtime        string        `json:"runtime"`
	DeployPath     string        `json:"deployPath"`
	Domain         string        `json:"domain"`
	Port           int           `json:"port"`
	Target         string        `json:"target"`
	OwnerID        string        `json:"ownerId"`
	TemplateID     string        `json:"templateId"`
	Env            []envEntryDTO `json:"env"`
}

// handleImport registers a new project and clones its repo once at
// --depth 1 (spec.md §3 "Lifecycle"). It is not behind withAuth because
// project creation has no prior owner to scope against; the caller's
// identity becomes the new project's ownerId unless an admin caller sets
// one explicitly.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "unauthenticated"))
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "malformed request body", err))
		return
	}

	if req.Branch == "" {
		req.Branch = "main"
	}
	if req.Target == "" {
		req.Target = "server"
	}
	if req.Runtime == "" {
		req.Runtime = "static"
	}

	ownerID := callerID
	if isAdmin && req.OwnerID != "" {
		ownerID = req.OwnerID
	}

	if !validProjectID(req.ProjectID) {
		writeError(w, apierr.New(apierr.KindValidation, "projectId must match "+projectIDPattern))
		return
	}
	if req.RepoURL == "" {
		writeError(w, apierr.New(apierr.KindValidation, "repoUrl is required"))
		return
	}
	if err := validator.Branch(req.Branch); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.Runtime(req.Runtime); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.Target(req.Target); err != nil {
		writeError(w, err)
		return
	}
	if _, err := validator.DeployPath(req.DeployPath, s.cfg.NginxRoot); err != nil {
		writeError(w, err)
		return
	}
	if err := validator.EnvEntries(toValidatorEntries(req.Env), nil); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.projects.Get(req.ProjectID); err == nil {
		writeError(w, apierr.New(apierr.KindAlreadyExists, "project "+req.ProjectID+" already exists"))
		return
	}

	env, err := projectstore.FormatEnvForWrite(toProjectEnvEntries(req.Env), nil, s.codec)
	if err != nil {
		writeError(w, err)
		return
	}

	project := projectstore.Project{
		ProjectID:      req.ProjectID,
		Repo:           req.RepoURL,
		Branch:         req.Branch,
		BuildCommand:   req.BuildCommand,
		InstallCommand: req.InstallCommand,
		TestCommand:    req.TestCommand,
		StartCommand:   req.StartCommand,
		BuildOutput:    req.BuildOutput,
		Runtime:        req.Runtime,
		DeployPath:     req.DeployPath,
		Domain:         req.Domain,
		Port:           req.Port,
		Target:         req.Target,
		OwnerID:        ownerID,
		TemplateID:     req.TemplateID,
		Env:            env,
	}

	// Clone before persisting the record (spec.md §3 "clones the repo once
	// at --depth 1"): a bad repoUrl/branch fails the import with 400 instead
	// of leaving an orphaned project record that blocks a retried import.
	repoDir := filepath.Join(s.cfg.repoParentDir(), project.ProjectID, "repo")
	if _, err := vcs.CloneShallow(project.Repo, project.Branch, repoDir); err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "failed to clone repository", err))
		return
	}

	if err := s.projects.Create(project); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

type patchRequest struct {
	BuildCommand   *string       `json:"buildCommand"`
	InstallCommand *string       `json:"installCommand"`
	TestCommand    *string       `json:"testCommand"`
	StartCommand   *string       `json:"startCommand"`
	BuildOutput    *string       `json:"buildOutput"`
	Runtime        *string       `json:"runtime"`
	DeployPath     *string       `json:"deployPath"`
	Domain         *string       `json:"domain"`
	Port           *int          `json:"port"`
	Target         *string       `json:"target"`
	TemplateID     *string       `json:"templateId"`
	Branch         *string       `json:"branch"`
	Env            []envEntryDTO `json:"env"`
}

func (s *Server) handlePatchProject(w http.ResponseWriter, r *http.Request, auth authedRequest) {
	projectID := chi.URLParam(r, "id")

	project, err := s.projects.Get(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ownsOrAdmin(auth, project.OwnerID) {
		writeError(w, apierr.New(apierr.KindNotFound, "project "+projectID+" does not exist"))
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "malformed request body", err))
		return
	}

	if req.Branch != nil {
		if err := validator.Branch(*req.Branch); err != nil {
			writeError(w, err)
			return
		}
		project.Branch = *req.Branch
	}
	if req.Runtime != nil {
		if err := validator.Runtime(*req.Runtime); err != nil {
			writeError(w, err)
			return
		}
		project.Runtime = *req.Runtime
	}
	if req.Target != nil {
		if err := validator.Target(*req.Target); err != nil {
			writeError(w, err)
			return
		}
		project.Target = *req.Target
	}
	if req.DeployPath != nil {
		if _, err := validator.DeployPath(*req.DeployPath, s.cfg.NginxRoot); err != nil {
			writeError(w, err)
			return
		}
		project.DeployPath = *req.DeployPath
	}
	if req.BuildOutput != nil {
		repoDir := filepath.Join(s.cfg.repoParentDir(), projectID, "repo")
		if _, err := validator.BuildOutput(*req.BuildOutput, repoDir); err != nil {
			writeError(w, err)
			return
		}
		project.BuildOutput = *req.BuildOutput
	}
	if req.BuildCommand != nil {
		project.BuildCommand = *req.BuildCommand
	}
	if req.InstallCommand != nil {
		project.InstallCommand = *req.InstallCommand
	}
	if req.TestCommand != nil {
		project.TestCommand = *req.TestCommand
	}
	if req.StartCommand != nil {
		project.StartCommand = *req.StartCommand
	}
	if req.Domain != nil {
		project.Domain = *req.Domain
	}
	if req.Port != nil {
		project.Port = *req.Port
	}
	if req.TemplateID != nil {
		project.TemplateID = *req.TemplateID
	}

	if req.Env != nil {
		if err := validator.EnvEntries(toValidatorEntries(req.Env), projectstore.StoredSecretKeys(project.Env)); err != nil {
			writeError(w, err)
			return
		}
		env, err := projectstore.FormatEnvForWrite(toProjectEnvEntries(req.Env), project.Env, s.codec)
		if err != nil {
			writeError(w, err)
			return
		}
		project.Env = env
	}

	if err := s.projects.Update(project); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, project)
}

func toValidatorEntries(in []envEntryDTO) []validator.EnvEntry {
	out := make([]validator.EnvEntry, 0, len(in))
	for _, e := range in {
		out = append(out, validator.EnvEntry{Key: e.Key, IsSecret: e.IsSecret})
	}
	return out
}

func validProjectID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i, r := range id {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'z'
		isDash := r == '-'
		if i == 0 && isDash {
			return false
		}
		if !isDigit && !isLower && !isDash {
			return false
		}
	}
	return true
}
