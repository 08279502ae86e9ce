// Package httpapi is the thin REST facade that enqueues deployments, reads
// project/deployment records, serves logs, and triggers rollback (spec.md
// §4.10, §6). Router shape (chi.NewRouter, a nested r.Route("/api", ...)
// group, one handler method per endpoint) is grounded on the pack's
// releaseparty-api server (Aureuma-si/apps/ReleaseParty/backend/internal/api
// /server.go). Session/cookie authentication, CORS, and rate limiting are
// out of scope per spec.md §1 — Authenticator below is the seam a real
// deployment plugs a cookie/session store into; the default implementation
// here is a bare bearer-token stub sufficient to exercise ownership scoping.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"deployerd/m/v2/internal/apierr"
	"deployerd/m/v2/internal/deploymentstore"
	"deployerd/m/v2/internal/engine"
	"deployerd/m/v2/internal/projectstore"
	"deployerd/m/v2/internal/secrets"
)

// Authenticator identifies the caller of a request. Real deployments back
// this with session cookies and a user store (both out of scope per
// spec.md §1); Server only needs callerID (compared against a project's
// ownerId) and isAdmin (bypasses ownership scoping).
type Authenticator interface {
	Authenticate(r *http.Request) (callerID string, isAdmin bool, err error)
}

// Server wires the engine and stores behind the HTTP surface.
type Server struct {
	cfg         ServerConfig
	engine      *engine.Engine
	projects    *projectstore.Store
	deployments *deploymentstore.Store
	codec       *secrets.Codec
	auth        Authenticator
	log         *log.Logger
}

// ServerConfig carries the subset of internal/config.Config the facade
// needs directly (path-safety roots for the validator, plus the values
// echoed back by GET /health).
type ServerConfig struct {
	NginxRoot            string
	ProjectsDir          string
	// BuildDir, when set, is where a project's repo gets cloned (spec.md
	// §6: BUILD_DIR); empty falls back to ProjectsDir, matching
	// internal/engine.Options.
	BuildDir             string
	MaxConcurrentDeploys int
	MaxQueueSize         int
}

func (c ServerConfig) repoParentDir() string {
	if c.BuildDir != "" {
		return c.BuildDir
	}
	return c.ProjectsDir
}

func New(
	cfg ServerConfig,
	eng *engine.Engine,
	projects *projectstore.Store,
	deployments *deploymentstore.Store,
	codec *secrets.Codec,
	auth Authenticator,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "deployerd ", log.LstdFlags|log.LUTC)
	}
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Server{cfg: cfg, engine: eng, projects: projects, deployments: deployments, codec: codec, auth: auth, log: logger}
}

// Router builds the chi mux. GET /api/health is the only endpoint the core
// contract requires outside this facade (spec.md §6); everything else here
// is the "consumed by the engine" subset the same section names.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/projects/import", s.handleImport)
		r.Patch("/projects/{id}", s.withAuth(s.handlePatchProject))
		r.Post("/projects/{id}/deploy", s.withAuth(s.handleDeploy))
		r.Get("/projects/{id}/deployments", s.withAuth(s.handleListDeployments))
		r.Post("/projects/{id}/rollback", s.withAuth(s.handleRollback))

		r.Get("/deployments/{id}", s.withAuth(s.handleGetDeployment))
		r.Get("/deployments/{id}/log", s.withAuth(s.handleGetLog))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": deploymentstore.NowRFC3339(),
		"config": map[string]any{
			"nginxRoot":            s.cfg.NginxRoot,
			"projectsDir":          s.cfg.ProjectsDir,
			"maxConcurrentDeploys": s.cfg.MaxConcurrentDeploys,
			"maxQueueSize":         s.cfg.MaxQueueSize,
		},
	})
}

// authedRequest is the context a handler sees once withAuth has run.
type authedRequest struct {
	callerID string
	isAdmin  bool
}

func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, auth authedRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, isAdmin, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, apierr.New(apierr.KindValidation, "unauthenticated"))
			return
		}
		next(w, r, authedRequest{callerID: callerID, isAdmin: isAdmin})
	}
}

// ownsOrAdmin reports whether auth may act on a project owned by ownerID;
// writes from non-owners are rejected as 404 rather than 403 to avoid
// leaking project existence (spec.md §4.10).
func ownsOrAdmin(auth authedRequest, ownerID string) bool {
	return auth.isAdmin || auth.callerID == ownerID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForKind(apierr.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForKind(kind apierr.Kind) int {
	switch kind {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindAlreadyExists:
		return http.StatusConflict
	case apierr.KindQueueFull:
		return http.StatusTooManyRequests
	case apierr.KindValidation, apierr.KindConfigIncomplete, apierr.KindPathEscape,
		apierr.KindSecretDowngrade, apierr.KindSecretMissing, apierr.KindNoPrevious:
		return http.StatusBadRequest
	case apierr.KindSecretDecrypt, apierr.KindCommandFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
