package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/superfly/fsm"

	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/storage"
)

func (m *Machine) checkRetries(ctx context.Context, jobID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "job_id", jobID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail records a job-ending error and aborts the machine.
func (m *Machine) fail(resp *JobResponse, jobID string, err error) error {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if uerr := m.repo.UpdateStatus(jobID, db.StatusFailed, err.Error()); uerr != nil {
		slog.Error("status_update_failed", "job_id", jobID, "status", db.StatusFailed, "error", uerr)
	}
	return fsm.Abort(err)
}

// handleCheckDB records the job, or picks up an existing record (idempotency)
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_check_db", "job_id", req.Msg.JobID, "device", req.Msg.Device)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}

	job, err := m.repo.Get(req.Msg.JobID)
	if err != nil {
		slog.Error("database_check_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	if job != nil {
		resp.Status = job.Status
		resp.ScratchDir = job.ScratchDir
		if job.Status == db.StatusComplete {
			slog.Info("job_already_complete", "job_id", job.ID)
			return fsm.NewResponse(resp), nil
		}
		slog.Info("job_found_continue_processing", "job_id", job.ID, "status", job.Status)
		return fsm.NewResponse(resp), nil
	}

	t, err := m.target(req.Msg.Device)
	if err != nil {
		slog.Error("target_lookup_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(err)
	}
	payload, err := json.Marshal(req.Msg.Payload)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to encode payload"))
	}

	job = &db.Job{
		ID:         req.Msg.JobID,
		Device:     req.Msg.Device,
		Family:     req.Msg.Payload.Family,
		Payload:    string(payload),
		Status:     db.StatusPending,
		ScratchDir: t.ScratchDir(),
	}
	if err := m.repo.Create(ctx, job); err != nil {
		slog.Error("create_job_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to create job record"))
	}
	resp.Status = db.StatusPending
	resp.ScratchDir = job.ScratchDir
	slog.Info("job_created", "job_id", job.ID, "device", job.Device)

	return fsm.NewResponse(resp), nil
}

// handleStage copies every payload source into the job's scratch dir
func (m *Machine) handleStage(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_stage", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}

	if err := os.MkdirAll(resp.ScratchDir, 0755); err != nil {
		slog.Error("scratch_dir_creation_failed", "path", resp.ScratchDir, "error", err)
		return nil, errors.Wrap(err, "failed to create scratch dir")
	}

	staged, err := StagePayload(ctx, m.stager, req.Msg.Payload, resp.ScratchDir)
	if err != nil {
		slog.Error("stage_failed", "job_id", req.Msg.JobID, "error", err)
		if errors.IsConfig(err) {
			return nil, m.fail(resp, req.Msg.JobID, err)
		}
		return nil, errors.Wrap(err, "failed to stage payload")
	}
	resp.Staged = staged

	slog.Info("stage_complete", "job_id", req.Msg.JobID, "scratch_dir", resp.ScratchDir)
	return fsm.NewResponse(resp), nil
}

// StagePayload stages each payload source into dir and returns the payload
// with host paths in place of the sources.
func StagePayload(ctx context.Context, s *storage.Stager, p deploy.Payload, dir string) (deploy.Payload, error) {
	staged := p
	for _, f := range []*string{&staged.Boot, &staged.Root, &staged.System, &staged.Data} {
		if *f == "" {
			continue
		}
		res, err := s.Stage(ctx, *f, dir)
		if err != nil {
			return deploy.Payload{}, err
		}
		*f = res.LocalPath
	}
	return staged, nil
}

// handleDeploy brings up the master image and writes the payload to the
// test partitions. Boot and deployment retries happen inside the target;
// a failure here ends the job.
func (m *Machine) handleDeploy(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_deploy", "job_id", req.Msg.JobID, "device", req.Msg.Device)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}

	t, err := m.target(req.Msg.Device)
	if err != nil {
		return nil, m.fail(resp, req.Msg.JobID, err)
	}
	machine := t.Machine()

	if err := m.repo.UpdateStatus(req.Msg.JobID, db.StatusBootingMaster, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	if err := machine.EnsureMaster(ctx); err != nil {
		resp.BootAttempts = len(machine.Attempts())
		return nil, m.fail(resp, req.Msg.JobID, err)
	}

	if err := m.repo.UpdateStatus(req.Msg.JobID, db.StatusDeploying, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	if err := t.Deploy(ctx, resp.Staged); err != nil {
		return nil, m.fail(resp, req.Msg.JobID, err)
	}

	resp.BootAttempts = len(machine.Attempts())
	resp.DeviceVersion = machine.DeviceVersion()
	resp.TargetIP = machine.IP()
	if err := m.save(req.Msg.JobID, resp, db.StatusDeploying); err != nil {
		return nil, err
	}

	return fsm.NewResponse(resp), nil
}

// handleBootTest boots the deployed test image
func (m *Machine) handleBootTest(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_boot_test", "job_id", req.Msg.JobID, "device", req.Msg.Device)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}

	t, err := m.target(req.Msg.Device)
	if err != nil {
		return nil, m.fail(resp, req.Msg.JobID, err)
	}
	if err := m.repo.UpdateStatus(req.Msg.JobID, db.StatusBootingTest, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	_, source, err := t.ResolveBootCmds()
	if err != nil {
		return nil, m.fail(resp, req.Msg.JobID, err)
	}
	resp.BootCmdsSource = string(source)

	err = t.BootTest(ctx)
	resp.BootAttempts = len(t.Machine().Attempts())
	if err != nil {
		return nil, m.fail(resp, req.Msg.JobID, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the job complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_complete", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}

	if err := m.save(req.Msg.JobID, resp, db.StatusComplete); err != nil {
		return nil, err
	}
	resp.Status = db.StatusComplete

	slog.Info("fsm_complete", "job_id", req.Msg.JobID, "status", db.StatusComplete, "boot_attempts", resp.BootAttempts)

	return fsm.NewResponse(resp), nil
}

// save writes the accumulated response onto the job record.
func (m *Machine) save(jobID string, resp *JobResponse, status string) error {
	job, err := m.repo.Get(jobID)
	if err != nil {
		return errors.Wrap(err, "failed to load job")
	}
	if job == nil {
		slog.Error("job_not_found", "job_id", jobID)
		return fsm.Abort(fmt.Errorf("job not found in database"))
	}
	job.Status = status
	job.BootAttempts = resp.BootAttempts
	job.DeviceVersion = resp.DeviceVersion
	job.TargetIP = resp.TargetIP
	job.BootCmdsSource = resp.BootCmdsSource
	job.ErrorMessage = ""
	if err := m.repo.Update(job); err != nil {
		slog.Error("job_update_failed", "job_id", jobID, "error", err)
		return errors.Wrap(err, "failed to update job")
	}
	return nil
}
