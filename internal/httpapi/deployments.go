package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"deployerd/m/v2/internal/apierr"
)

type deployRequest struct {
	DryRun bool `json:"dryRun"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, auth authedRequest) {
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

	var req deployRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, "malformed request body", err))
			return
		}
	}

	deployment, err := s.engine.Enqueue(projectID, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"deploymentId": deployment.DeploymentID,
		"status":       deployment.Status,
		"projectId":    deployment.ProjectID,
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request, auth authedRequest) {
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

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	deployments, err := s.deployments.ListForProject(projectID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request, auth authedRequest) {
	deploymentID := chi.URLParam(r, "id")

	deployment, err := s.deployments.Get(deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	project, err := s.projects.Get(deployment.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ownsOrAdmin(auth, project.OwnerID) {
		writeError(w, apierr.New(apierr.KindNotFound, "deployment "+deploymentID+" does not exist"))
		return
	}

	writeJSON(w, http.StatusOK, deployment)
}

// handleGetLog serves a deployment's log file as plain text, empty if the
// file doesn't exist yet (spec.md §6: "empty if missing" — a queued
// deployment has no log file until its worker opens one).
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request, auth authedRequest) {
	deploymentID := chi.URLParam(r, "id")

	deployment, err := s.deployments.Get(deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	project, err := s.projects.Get(deployment.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ownsOrAdmin(auth, project.OwnerID) {
		writeError(w, apierr.New(apierr.KindNotFound, "deployment "+deploymentID+" does not exist"))
		return
	}

	data, err := os.ReadFile(deployment.LogPath)
	if err != nil {
		if !os.IsNotExist(err) {
			writeError(w, apierr.Wrap(apierr.KindNotFound, "failed to read deployment log", err))
			return
		}
		data = nil
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, auth authedRequest) {
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

	if err := s.engine.Rollback(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
