// Package client is an HTTP client for the AppForge API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/appforge/appforge/pkg/types"
)

// Client is an HTTP client for the AppForge API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new AppForge API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func decode[T any](resp *http.Response, wantStatus ...int) (T, error) {
	var out T
	defer resp.Body.Close()

	ok := false
	for _, s := range wantStatus {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// AssignSandbox resolves (or creates) the sandbox for a user.
func (c *Client) AssignSandbox(ctx context.Context, userID string) (*types.Assignment, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/assignments", map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	a, err := decode[types.Assignment](resp, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAssignment returns a user's current sandbox, if any.
func (c *Client) GetAssignment(ctx context.Context, userID string) (*types.Assignment, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/assignments/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	a, err := decode[types.Assignment](resp, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateProject creates a project for a user, placing it on their sandbox.
func (c *Client) CreateProject(ctx context.Context, req types.CreateProjectRequest) (*types.Project, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/projects", req)
	if err != nil {
		return nil, err
	}
	p, err := decode[types.Project](resp, http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject returns a project by ID.
func (c *Client) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil)
	if err != nil {
		return nil, err
	}
	p, err := decode[types.Project](resp, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns a user's projects, newest first.
func (c *Client) ListProjects(ctx context.Context, userID string) ([]types.Project, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/projects?user_id="+url.QueryEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	return decode[[]types.Project](resp, http.StatusOK)
}

// PreviewProject ensures the project's sandbox is running and returns a
// short-lived preview URL and token.
func (c *Client) PreviewProject(ctx context.Context, projectID string) (*types.Preview, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/preview", nil)
	if err != nil {
		return nil, err
	}
	p, err := decode[types.Preview](resp, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListSandboxes returns the sandbox registry.
func (c *Client) ListSandboxes(ctx context.Context) ([]types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes", nil)
	if err != nil {
		return nil, err
	}
	return decode[[]types.Sandbox](resp, http.StatusOK)
}

// CreateAPIKey mints a new API key. The plaintext is returned once.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (*types.APIKey, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/apikeys", map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	k, err := decode[types.APIKey](resp, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
