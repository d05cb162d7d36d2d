package fsm

import "github.com/fly-io/boardlab/pkg/deploy"

// JobRequest is the FSM input
type JobRequest struct {
	JobID  string
	Device string
	// Payload holds the payload sources: host paths, http(s) URLs or
	// s3://bucket/key objects.
	Payload deploy.Payload
}

// JobResponse is the FSM output (accumulated across transitions)
type JobResponse struct {
	// From CheckDB
	ScratchDir string

	// From Stage
	Staged deploy.Payload

	// From Deploy
	BootAttempts  int
	DeviceVersion string
	TargetIP      string

	// From BootTest
	BootCmdsSource string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateStage    = "stage"
	StateDeploy   = "deploy"
	StateBootTest = "boot_test"
	StateComplete = "complete"
	StateFailed   = "failed"
)
