package descriptor

import "github.com/heliosproject/helios/internal/errkind"

// Goal is the operator's intent for a Deployment.
type Goal string

const (
	Start    Goal = "START"
	Stop     Goal = "STOP"
	Undeploy Goal = "UNDEPLOY"
)

func (g Goal) Validate() error {
	switch g {
	case Start, Stop, Undeploy:
		return nil
	default:
		return errkind.New(errkind.Validation, "invalid goal: "+string(g))
	}
}

// Deployment is the desired state of a Job on a Host. It holds only the
// JobId, not the Job itself -- the original implementation's cyclic
// Deployment<->Job reference resolves here to a lookup through the store
// at /jobs/<jobId>, per spec section 9's design note on cyclic references.
type Deployment struct {
	JobId JobId  `json:"job_id"`
	Host  string `json:"host"`
	Goal  Goal   `json:"goal"`
}

// NewDeployment builds a Deployment, validating the goal.
func NewDeployment(jobId JobId, host string, goal Goal) (Deployment, error) {
	if host == "" {
		return Deployment{}, errkind.New(errkind.Validation, "host is empty")
	}
	if err := goal.Validate(); err != nil {
		return Deployment{}, err
	}
	return Deployment{JobId: jobId, Host: host, Goal: goal}, nil
}
