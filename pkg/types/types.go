// Package types holds the wire types of the AppForge HTTP API, shared by the
// server, the SDK client, and the CLI.
package types

import "time"

// Sandbox is a registry entry for a shared sandbox.
type Sandbox struct {
	ID             string     `json:"id"`
	Capacity       int        `json:"capacity"`
	ActiveUsers    int        `json:"activeUsers"`
	LastAssignedAt *time.Time `json:"lastAssignedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Project is a user application hosted inside a sandbox.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SandboxID string    `json:"sandboxId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	DevPort   *int      `json:"devPort,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Assignment maps a user to their shared sandbox.
type Assignment struct {
	UserID    string `json:"user_id"`
	SandboxID string `json:"sandbox_id"`
}

// Preview is the response of GET /projects/:id/preview.
type Preview struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	JustStarted bool   `json:"just_started"`
}

// APIKey is the response of POST /apikeys. The plaintext key is shown once.
type APIKey struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}
