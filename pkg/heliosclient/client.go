// Package heliosclient is a Go client for the Master's HTTP RPC surface,
// used by heliosctl and by integration tests. It mirrors ORCA's
// cmd/orcacli request/response idiom (net/http plus encoding/json) but
// collects the calls behind a Client type instead of package-level
// functions and a global server URL.
package heliosclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/httpapi"
)

// Client talks to one helios-master over HTTP+JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, e.g. "http://localhost:5801".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp httpapi.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
	}
	return nil
}

// CreateJob registers a new Job, returning its content-addressed id.
func (c *Client) CreateJob(ctx context.Context, name, version, image string, command []string, env map[string]string, ports map[string]descriptor.PortMapping) (descriptor.JobId, error) {
	var resp httpapi.CreateJobResponse
	req := httpapi.CreateJobRequest{Name: name, Version: version, Image: image, Command: command, Env: env, Ports: ports}
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return descriptor.JobId{}, err
	}
	return descriptor.ParseJobId(resp.JobId)
}

// GetJob fetches one Job by id.
func (c *Client) GetJob(ctx context.Context, id descriptor.JobId) (descriptor.Job, error) {
	var job descriptor.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+id.String(), nil, &job)
	return job, err
}

// ListJobs lists every registered Job, optionally filtered by name.
func (c *Client) ListJobs(ctx context.Context, nameFilter string) ([]descriptor.Job, error) {
	path := "/jobs"
	if nameFilter != "" {
		path += "?name=" + nameFilter
	}
	var resp httpapi.ListJobsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Jobs, err
}

// RemoveJob deletes a Job that is not currently deployed anywhere.
func (c *Client) RemoveJob(ctx context.Context, id descriptor.JobId) error {
	var resp httpapi.StatusResponse
	return c.do(ctx, http.MethodDelete, "/jobs/"+id.String(), nil, &resp)
}

// Deploy assigns id to host with the given initial goal.
func (c *Client) Deploy(ctx context.Context, id descriptor.JobId, host string, goal descriptor.Goal) error {
	var resp httpapi.StatusResponse
	req := httpapi.GoalRequest{Goal: goal}
	return c.do(ctx, http.MethodPost, "/hosts/"+host+"/jobs/"+id.String(), req, &resp)
}

// SetGoal changes the goal of an already-deployed Job on host.
func (c *Client) SetGoal(ctx context.Context, id descriptor.JobId, host string, goal descriptor.Goal) error {
	var resp httpapi.StatusResponse
	req := httpapi.GoalRequest{Goal: goal}
	return c.do(ctx, http.MethodPut, "/hosts/"+host+"/jobs/"+id.String()+"/goal", req, &resp)
}

// Undeploy removes id from host entirely.
func (c *Client) Undeploy(ctx context.Context, id descriptor.JobId, host string) error {
	var resp httpapi.StatusResponse
	return c.do(ctx, http.MethodDelete, "/hosts/"+host+"/jobs/"+id.String(), nil, &resp)
}

// HostStatus fetches the aggregated status of one host.
func (c *Client) HostStatus(ctx context.Context, host string) (descriptor.HostStatus, error) {
	var status descriptor.HostStatus
	err := c.do(ctx, http.MethodGet, "/hosts/"+host, nil, &status)
	return status, err
}

// ListHosts lists every host known to the Master.
func (c *Client) ListHosts(ctx context.Context) ([]string, error) {
	var resp httpapi.ListHostsResponse
	err := c.do(ctx, http.MethodGet, "/hosts", nil, &resp)
	return resp.Hosts, err
}

// JobHistory fetches the retained TaskStatusEvent trail for a Job.
func (c *Client) JobHistory(ctx context.Context, id descriptor.JobId) ([]descriptor.TaskStatusEvent, error) {
	var resp httpapi.JobHistoryResponse
	err := c.do(ctx, http.MethodGet, "/history/jobs/"+id.String(), nil, &resp)
	return resp.Events, err
}

// Healthy reports whether the Master's /healthz endpoint responds.
func (c *Client) Healthy(ctx context.Context) error {
	var resp httpapi.HealthResponse
	return c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
}
