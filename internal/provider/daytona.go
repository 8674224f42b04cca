package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DaytonaClient implements Client against the Daytona sandbox API.
type DaytonaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewDaytonaClient creates a Daytona API client.
func NewDaytonaClient(baseURL, apiKey string) (*DaytonaClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("daytona API key is required")
	}
	if baseURL == "" {
		baseURL = "https://app.daytona.io/api"
	}
	return &DaytonaClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (d *DaytonaClient) List(ctx context.Context) ([]*Instance, error) {
	var results []struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Target string `json:"target"`
	}
	if err := d.do(ctx, "GET", "/sandbox", nil, &results); err != nil {
		return nil, err
	}

	instances := make([]*Instance, len(results))
	for i, r := range results {
		instances[i] = &Instance{
			ID:     r.ID,
			State:  r.State,
			Region: r.Target,
		}
	}
	return instances, nil
}

func (d *DaytonaClient) Create(ctx context.Context, opts CreateOpts) (*Instance, error) {
	body := map[string]interface{}{
		"target": opts.Region,
	}
	if opts.Image != "" {
		body["image"] = opts.Image
	}
	if opts.MemoryMB > 0 {
		body["memory"] = opts.MemoryMB
	}
	if opts.CPUs > 0 {
		body["cpu"] = opts.CPUs
	}

	var result struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Target string `json:"target"`
	}
	if err := d.do(ctx, "POST", "/sandbox", body, &result); err != nil {
		return nil, err
	}
	return &Instance{ID: result.ID, State: result.State, Region: result.Target}, nil
}

func (d *DaytonaClient) Start(ctx context.Context, id string) error {
	return d.do(ctx, "POST", "/sandbox/"+id+"/start", nil, nil)
}

// RootDir returns the sandbox's root working directory. It doubles as the
// liveness probe: a stopped sandbox answers with a "not running" error.
func (d *DaytonaClient) RootDir(ctx context.Context, id string) (string, error) {
	var result struct {
		Dir string `json:"dir"`
	}
	if err := d.do(ctx, "GET", "/sandbox/"+id+"/root-dir", nil, &result); err != nil {
		return "", err
	}
	return result.Dir, nil
}

func (d *DaytonaClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("daytona API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		// Keep the status text in the error so the classifier can act on it.
		return fmt.Errorf("daytona API returned %d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode daytona response: %w", err)
		}
	}
	return nil
}
