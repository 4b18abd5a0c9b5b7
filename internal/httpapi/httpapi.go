// Package httpapi defines the JSON request/response shapes shared by
// internal/master's handlers and pkg/heliosclient, per spec section 6's
// "HTTP with JSON bodies is sufficient" transport note.
package httpapi

import "github.com/heliosproject/helios/internal/descriptor"

// CreateJobRequest is the body of POST /jobs. Hash is optional: the
// Master always re-derives it and rejects a mismatch rather than trusting
// a client-submitted value.
type CreateJobRequest struct {
	Name    string                            `json:"name"`
	Version string                            `json:"version"`
	Image   string                            `json:"image"`
	Command []string                          `json:"command,omitempty"`
	Env     map[string]string                 `json:"env,omitempty"`
	Ports   map[string]descriptor.PortMapping `json:"ports,omitempty"`
	Hash    string                            `json:"hash,omitempty"`
}

// CreateJobResponse is returned on success from POST /jobs.
type CreateJobResponse struct {
	JobId string `json:"job_id"`
}

// GoalRequest is the body of POST /hosts/{host}/jobs/{id} and
// PUT /hosts/{host}/jobs/{id}/goal.
type GoalRequest struct {
	Goal descriptor.Goal `json:"goal"`
}

// ListJobsResponse is returned from GET /jobs.
type ListJobsResponse struct {
	Jobs []descriptor.Job `json:"jobs"`
}

// ListHostsResponse is returned from GET /hosts.
type ListHostsResponse struct {
	Hosts []string `json:"hosts"`
}

// JobHistoryResponse is returned from GET /history/jobs/{id}.
type JobHistoryResponse struct {
	Events []descriptor.TaskStatusEvent `json:"events"`
}

// ErrorResponse is the JSON error body for any non-2xx response, tagged
// with the errkind.Kind that produced it.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is the generic {"status": "ok"} body for operations with
// no interesting return value (RemoveJob, SetGoal, Undeploy).
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is returned from GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Service string `json:"service"`
}
