package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/analytics-go/v3"

	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/ident"
	"github.com/appforge/appforge/internal/metrics"
	"github.com/appforge/appforge/internal/provider"
)

const previewTokenTTL = 15 * time.Minute

type createProjectRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) createProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and name are required"})
	}
	userID := ident.NormalizeID(req.UserID)

	ctx := c.Request().Context()
	sandboxID, err := s.assigner.AssignSandbox(ctx, userID)
	if err != nil {
		metrics.ProjectCreatesTotal.WithLabelValues("error").Inc()
		return providerError(c, err)
	}

	// A port collision between allocation and insert surfaces as a unique
	// violation; one single-shot re-allocation recovers it.
	var project *db.Project
	for attempt := 0; attempt < 2; attempt++ {
		port, err := s.ports.AllocatePort(ctx, sandboxID, userID)
		if err != nil {
			metrics.ProjectCreatesTotal.WithLabelValues("error").Inc()
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to allocate port"})
		}
		id := uuid.New()
		path := ident.ProjectPath(userID, sandboxID, id.String())
		project, err = s.store.CreateProject(ctx, id, userID, sandboxID, req.Name, path, port)
		if err == nil {
			break
		}
		if db.IsUniqueViolation(err) && attempt == 0 {
			continue
		}
		metrics.ProjectCreatesTotal.WithLabelValues("error").Inc()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create project"})
	}

	metrics.ProjectCreatesTotal.WithLabelValues("ok").Inc()
	if s.meter != nil {
		s.meter.Record("project_create", userID, sandboxID, project.ID.String())
	}
	s.track(userID, "project_created", analytics.NewProperties().
		Set("project_id", project.ID.String()).
		Set("sandbox_id", sandboxID))

	return c.JSON(http.StatusCreated, project)
}

func (s *Server) getProject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid project ID"})
	}
	project, err := s.store.GetProject(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "project not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get project"})
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) listProjects(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	projects, err := s.store.ListProjects(c.Request().Context(), ident.NormalizeID(userID))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list projects"})
	}
	if projects == nil {
		projects = []db.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

type previewResponse struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	JustStarted bool   `json:"just_started"`
}

func (s *Server) previewProject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid project ID"})
	}
	ctx := c.Request().Context()

	project, err := s.store.GetProject(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "project not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get project"})
	}

	// Rows created before placement became eager may lack a port or path;
	// backfill both on first preview.
	if project.DevPort == nil || project.Path == "" {
		port, err := s.ports.AllocatePort(ctx, project.SandboxID, project.UserID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to allocate port"})
		}
		path := project.Path
		if path == "" {
			path = ident.ProjectPath(project.UserID, project.SandboxID, project.ID.String())
		}
		project, err = s.store.UpdateProjectPlacement(ctx, project.ID, path, port)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to place project"})
		}
	}

	_, justStarted, err := s.guard.EnsureRunning(ctx, project.SandboxID)
	if err != nil {
		return providerError(c, err)
	}

	token, err := s.jwt.IssuePreviewToken(project.UserID, project.ID.String(), project.SandboxID, *project.DevPort, previewTokenTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue preview token"})
	}

	if s.meter != nil {
		s.meter.Record("preview", project.UserID, project.SandboxID, project.ID.String())
	}
	s.track(project.UserID, "project_previewed", analytics.NewProperties().
		Set("project_id", project.ID.String()).
		Set("just_started", justStarted))

	return c.JSON(http.StatusOK, previewResponse{
		URL:         s.previewURL(project.SandboxID, *project.DevPort),
		Token:       token,
		JustStarted: justStarted,
	})
}

func (s *Server) previewURL(sandboxID string, port int) string {
	return fmt.Sprintf("https://%s-%d.%s", sandboxID, port, s.previewDomain)
}

// providerError maps guard/allocator failures onto HTTP statuses. A sandbox
// deleted out-of-band is gone for good from the caller's point of view; a
// transient provider outage is retryable.
func providerError(c echo.Context, err error) error {
	switch {
	case provider.IsNotFound(err):
		return c.JSON(http.StatusGone, map[string]string{
			"error": "sandbox no longer exists; recreate the project",
		})
	case provider.IsUnreachable(err):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "sandbox provider unavailable, retry shortly",
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
