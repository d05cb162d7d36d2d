// Package fsm runs deployment jobs as a persistent finite state machine:
// record the job, stage the payload into the image dir, deploy it from the
// master image and boot the test image, using the superfly/fsm library.
package fsm

import (
	"context"
	"sync"

	"github.com/superfly/fsm"

	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/storage"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	stager     *storage.Stager
	maxRetries int

	mu      sync.Mutex
	targets map[string]*deploy.Target
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(repo *db.Repository, stager *storage.Stager, maxRetries int) *Machine {
	return &Machine{
		repo:       repo,
		stager:     stager,
		maxRetries: maxRetries,
		targets:    make(map[string]*deploy.Target),
	}
}

// Attach makes a connected target available to jobs for its device.
func (m *Machine) Attach(t *deploy.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.Config().Hostname] = t
}

// Detach forgets the target for device.
func (m *Machine) Detach(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, device)
}

func (m *Machine) target(device string) (*deploy.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[device]
	if !ok {
		return nil, errors.Config("no connected target for device "+device, nil)
	}
	return t, nil
}

// Register registers the deployment job FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[JobRequest, JobResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[JobRequest, JobResponse](manager, "deploy-job").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateStage, m.handleStage).
		To(StateDeploy, m.handleDeploy).
		To(StateBootTest, m.handleBootTest).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
