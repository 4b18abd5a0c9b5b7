package descriptor

import "time"

// TaskState is the Task State Machine's current state, spec section 4.5.
type TaskState string

const (
	Creating     TaskState = "CREATING"
	PullingImage TaskState = "PULLING_IMAGE"
	Starting     TaskState = "STARTING"
	Running      TaskState = "RUNNING"
	Exited       TaskState = "EXITED"
	Stopping     TaskState = "STOPPING"
	Stopped      TaskState = "STOPPED"
	Failed       TaskState = "FAILED"
)

// IsTerminal reports whether state ends the current incarnation of a task
// -- EXITED, STOPPED and FAILED all require the task runner to decide
// whether to restart or garbage-collect rather than keep driving forward.
func (s TaskState) IsTerminal() bool {
	switch s {
	case Exited, Stopped, Failed:
		return true
	default:
		return false
	}
}

// ThrottleState explains why a task is being held back from its normal
// transition, surfaced in TaskStatus so operators can see why a job is
// stuck in PULLING_IMAGE or FAILED.
type ThrottleState string

const (
	NoThrottle        ThrottleState = ""
	ImageMissing      ThrottleState = "IMAGE_MISSING"
	RestartBackoff    ThrottleState = "RESTART_BACKOFF"
	ImagePullBackoff  ThrottleState = "IMAGE_PULL_BACKOFF"
)

// TaskStatus is published by the Agent at /status/hosts/<host>/jobs/<jobId>.
type TaskStatus struct {
	Job         Job                    `json:"job"`
	State       TaskState              `json:"state"`
	ContainerId *string                `json:"container_id,omitempty"`
	Throttled   ThrottleState          `json:"throttled,omitempty"`
	Ports       map[string]PortMapping `json:"ports,omitempty"`
	Env         map[string]string      `json:"env,omitempty"`
}

// TaskStatusEvent is one entry in a task's history trail, appended at
// /history/jobs/<jobId>/hosts/<host>/events/<seq>.
type TaskStatusEvent struct {
	Status    TaskStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}
