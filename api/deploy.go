package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/deploy"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
)

var (
	errConfigRequired     = errors.New("config is required")
	errDeployUnavailable  = errors.New("deployments are not available")
	errDeploymentNotFound = errors.New("Deployment not found")
)

type deployRequest struct {
	Config      map[string]any           `json:"config"`
	Credentials credential.DeployRequest `json:"credentials"`
}

func decodeDeployRequest(w http.ResponseWriter, r *http.Request) (deployRequest, bool) {
	var req deployRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return req, false
	}
	if len(req.Config) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, errConfigRequired)
		return req, false
	}
	return req, true
}

func (s *Server) handleDeployValidate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	req, ok := decodeDeployRequest(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appconfig.ValidateDeployment(req.Config))
}

func (s *Server) handleValidateSchema(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		YAMLContent string `json:"yaml_content"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.YAMLContent) == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("yaml_content is required"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appconfig.ValidateSchema(req.YAMLContent))
}

// handleDeployQuick selects credentials while the request is still in hand
// and queues the job; progress is polled through the status route.
func (s *Server) handleDeployQuick(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.cfg.Tracker == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, errDeployUnavailable)
		return
	}
	req, ok := decodeDeployRequest(w, r)
	if !ok {
		return
	}
	authn, err := credential.ForDeployment(req.Credentials, s.resolve(r), s.cfg.Resolver.Getenv)
	if err != nil {
		var reqErr *credential.RequestError
		if errors.As(err, &reqErr) {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": reqErr.Message, "message": reqErr.Detail})
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.cfg.Tracker.Submit(deploy.Request{Config: req.Config, Auth: authn})
	switch {
	case errors.Is(err, deploy.ErrNoConfig):
		httpx.WriteError(w, http.StatusBadRequest, errConfigRequired)
		return
	case errors.Is(err, deploy.ErrQueueFull), errors.Is(err, deploy.ErrNotRunning):
		s.logger.Warn("deployment rejected", "error", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("quick deployment started", "deployment_id", job.ID, "auth_method", authn.Method)
	s.record(r, audit.ActionDeployStart, job.ID, map[string]any{"auth_method": authn.Method})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"deployment_id": job.ID,
		"status":        "started",
		"message":       "Quick deployment started. Use /api/deploy/status/{id} to check progress.",
		"status_url":    s.statusURL(job.ID),
	})
}

func deploymentID(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.cfg.Tracker == nil {
		httpx.WriteError(w, http.StatusNotFound, errDeploymentNotFound)
		return
	}
	job, err := s.cfg.Tracker.Status(deploymentID(r, "/api/deploy/status/"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, errDeploymentNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeployList(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jobs := []deploy.Job{}
	if s.cfg.Tracker != nil {
		jobs = nonNil(s.cfg.Tracker.List())
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deployments": jobs, "count": len(jobs)})
}

func (s *Server) handleDeployCancel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.cfg.Tracker == nil {
		httpx.WriteError(w, http.StatusNotFound, errDeploymentNotFound)
		return
	}
	id := deploymentID(r, "/api/deploy/cancel/")
	job, err := s.cfg.Tracker.Cancel(id)
	if err != nil {
		var notCancellable *deploy.NotCancellableError
		if errors.As(err, &notCancellable) {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":   notCancellable.Error(),
				"message": notCancellable.Detail(),
			})
			return
		}
		httpx.WriteError(w, http.StatusNotFound, errDeploymentNotFound)
		return
	}
	s.logger.Info("deployment cancelled", "deployment_id", id)
	s.record(r, audit.ActionDeployCancel, id, nil)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":       "Deployment cancelled",
		"deployment_id": id,
		"status":        job,
	})
}

func (s *Server) statusURL(id string) string { return fmt.Sprintf("/api/deploy/status/%s", id) }
