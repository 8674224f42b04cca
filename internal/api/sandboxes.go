package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/analytics-go/v3"

	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/ident"
)

type assignRequest struct {
	UserID string `json:"user_id"`
}

type assignResponse struct {
	UserID    string `json:"user_id"`
	SandboxID string `json:"sandbox_id"`
}

func (s *Server) assignSandbox(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	userID := ident.NormalizeID(req.UserID)

	sandboxID, err := s.assigner.AssignSandbox(c.Request().Context(), userID)
	if err != nil {
		return providerError(c, err)
	}

	s.track(userID, "sandbox_assigned", analytics.NewProperties().Set("sandbox_id", sandboxID))
	return c.JSON(http.StatusOK, assignResponse{UserID: userID, SandboxID: sandboxID})
}

func (s *Server) getAssignment(c echo.Context) error {
	userID := ident.NormalizeID(c.Param("userID"))
	sandboxID, err := s.store.GetAssignment(c.Request().Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no sandbox assigned"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get assignment"})
	}
	return c.JSON(http.StatusOK, assignResponse{UserID: userID, SandboxID: sandboxID})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	Name string `json:"name"`
	Key  string `json:"key"` // shown once; only the hash is stored
}

func (s *Server) createAPIKey(c echo.Context) error {
	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	key := "af_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.store.CreateAPIKey(c.Request().Context(), req.Name, key); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create API key"})
	}
	return c.JSON(http.StatusCreated, createKeyResponse{Name: req.Name, Key: key})
}

func (s *Server) listSandboxes(c echo.Context) error {
	records, err := s.store.ListSandboxes(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sandboxes"})
	}
	if records == nil {
		records = []db.SandboxRecord{}
	}
	return c.JSON(http.StatusOK, records)
}
