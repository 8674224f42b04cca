// Package api exposes the HTTP surface: project CRUD, sandbox assignment,
// and preview serving.
package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/segmentio/analytics-go/v3"

	"github.com/appforge/appforge/internal/auth"
	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/guard"
	"github.com/appforge/appforge/internal/metrics"
)

// Store is the subset of the persistent store the HTTP layer needs.
// Implemented by *db.Store.
type Store interface {
	CreateProject(ctx context.Context, id uuid.UUID, userID, sandboxID, name, path string, devPort int) (*db.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error)
	ListProjects(ctx context.Context, userID string) ([]db.Project, error)
	UpdateProjectPlacement(ctx context.Context, id uuid.UUID, path string, devPort int) (*db.Project, error)
	ListSandboxes(ctx context.Context) ([]db.SandboxRecord, error)
	GetAssignment(ctx context.Context, userID string) (string, error)
	CreateAPIKey(ctx context.Context, name, keyPlaintext string) error
}

// Assigner resolves a user to their shared sandbox.
type Assigner interface {
	AssignSandbox(ctx context.Context, userID string) (string, error)
}

// PortPicker allocates a dev port on a sandbox.
type PortPicker interface {
	AllocatePort(ctx context.Context, sandboxID, userID string) (int, error)
}

// Runner guarantees a sandbox is reachable and running.
type Runner interface {
	EnsureRunning(ctx context.Context, sandboxID string) (*guard.Handle, bool, error)
}

// UsageRecorder publishes billable usage events. Implemented by *billing.Meter.
type UsageRecorder interface {
	Record(kind, userID, sandboxID, projectID string)
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Store         Store
	Keys          auth.KeyChecker // nil disables persisted API keys
	Assigner      Assigner
	Ports         PortPicker
	Guard         Runner
	JWT           *auth.JWTIssuer
	Meter         UsageRecorder    // nil disables usage metering
	Analytics     analytics.Client // nil disables product analytics
	APIKey        string
	PreviewDomain string
}

// Server holds the API server dependencies.
type Server struct {
	echo          *echo.Echo
	store         Store
	assigner      Assigner
	ports         PortPicker
	guard         Runner
	jwt           *auth.JWTIssuer
	meter         UsageRecorder
	analytics     analytics.Client
	previewDomain string
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		store:         cfg.Store,
		assigner:      cfg.Assigner,
		ports:         cfg.Ports,
		guard:         cfg.Guard,
		jwt:           cfg.JWT,
		meter:         cfg.Meter,
		analytics:     cfg.Analytics,
		previewDomain: cfg.PreviewDomain,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API routes (with auth)
	api := e.Group("")
	api.Use(auth.StoreAPIKeyMiddleware(cfg.Keys, cfg.APIKey))

	// Sandbox assignment
	api.POST("/assignments", s.assignSandbox)
	api.GET("/assignments/:userID", s.getAssignment)

	// Projects
	api.POST("/projects", s.createProject)
	api.GET("/projects", s.listProjects)
	api.GET("/projects/:id", s.getProject)
	api.GET("/projects/:id/preview", s.previewProject)

	// Sandbox registry and key management (admin)
	api.GET("/sandboxes", s.listSandboxes)
	api.POST("/apikeys", s.createAPIKey)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) track(userID, event string, props analytics.Properties) {
	if s.analytics == nil {
		return
	}
	_ = s.analytics.Enqueue(analytics.Track{
		UserId:     userID,
		Event:      event,
		Properties: props,
	})
}
