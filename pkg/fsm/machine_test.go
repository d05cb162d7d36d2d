package fsm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/superfly/fsm"

	"github.com/fly-io/boardlab/internal/fakedevice"
	"github.com/fly-io/boardlab/pkg/board"
	"github.com/fly-io/boardlab/pkg/boot"
	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/storage"
)

func testConfig() *device.Config {
	return &device.Config{
		Hostname:            "panda01",
		BoardProfile:        "uboot",
		SoftBootCmd:         "reboot",
		MasterStr:           "root@master",
		TesterStr:           "linaro-test",
		ImageBootMsg:        "Starting kernel",
		InterruptBootPrompt: "Hit any key to stop autoboot",
		BootRetries:         2,
		BootDevice:          "0",
		TestbootOffset:      2,
		BootPart:            1,
		RootPart:            2,
		BootCmds:            "mmc init, boot",
		NetworkInterface:    "eth0",
		BootBannerTimeout:   500 * time.Millisecond,
		PromptTimeout:       300 * time.Millisecond,
		PS1Timeout:          200 * time.Millisecond,
		CheckTimeout:        100 * time.Millisecond,
		NetworkTimeout:      300 * time.Millisecond,
		SoftRebootTimeout:   100 * time.Millisecond,
		BootloaderTimeout:   300 * time.Millisecond,
		CommandTimeout:      500 * time.Millisecond,
		TransferRetries:     5,
		TransferBackoff:     time.Millisecond,
	}
}

type rig struct {
	board   *fakedevice.Board
	target  *deploy.Target
	repo    *db.Repository
	machine *Machine
	start   fsm.Start[JobRequest, JobResponse]
	manager *fsm.Manager
	src     string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{board: fakedevice.NewBoard(), src: t.TempDir()}
	r.board.Countdown = 200 * time.Millisecond
	r.board.ResetDelay = 5 * time.Millisecond
	r.board.StartInMaster()

	cfg := testConfig()
	s := console.NewSession(r.board, nil)
	t.Cleanup(func() { s.Close() })
	profile, err := board.Select(cfg)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	m := boot.New(s, cfg, profile, boot.Options{ServerIP: "10.0.0.1"})

	imageDir := t.TempDir()
	r.target, err = deploy.NewTarget(m, deploy.Options{
		ImageDir:   imageDir,
		ImageURL:   "http://10.0.0.1/images/",
		ScratchDir: filepath.Join(imageDir, "job1"),
		Sleep:      func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("NewTarget failed: %v", err)
	}

	r.repo, err = db.NewRepository(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { r.repo.Close() })

	r.manager, err = fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("FSM manager failed: %v", err)
	}
	t.Cleanup(func() { r.manager.Shutdown(time.Second) })

	r.machine = NewMachine(r.repo, &storage.Stager{}, 3)
	r.machine.Attach(r.target)
	r.start, _, err = r.machine.Register(context.Background(), r.manager)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return r
}

func (r *rig) file(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(r.src, name)
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (r *rig) run(t *testing.T, req *JobRequest) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	version, err := r.start(ctx, req.JobID, fsm.NewRequest(req, &JobResponse{}))
	if err != nil {
		t.Fatalf("FSM start failed: %v", err)
	}
	// Aborted runs report an error here; the job record is checked instead.
	_ = r.manager.Wait(ctx, version)
}

func TestStagePayload(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"root.tar.gz", "boot.tar.bz2"} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	dir := t.TempDir()

	p := deploy.Payload{
		Family: deploy.FamilyLinaro,
		Root:   filepath.Join(src, "root.tar.gz"),
		Boot:   "file://" + filepath.Join(src, "boot.tar.bz2"),
	}
	got, err := StagePayload(context.Background(), &storage.Stager{}, p, dir)
	if err != nil {
		t.Fatalf("StagePayload failed: %v", err)
	}
	want := deploy.Payload{
		Family: deploy.FamilyLinaro,
		Root:   filepath.Join(dir, "root.tar.gz"),
		Boot:   filepath.Join(dir, "boot.tar.bz2"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("staged payload mismatch (-want +got):\n%s", diff)
	}
}

func TestStagePayload_UnsupportedSource(t *testing.T) {
	p := deploy.Payload{Family: deploy.FamilyLinaro, Root: "ftp://host/root.tgz"}
	if _, err := StagePayload(context.Background(), &storage.Stager{}, p, t.TempDir()); !errors.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestDeployJob_Complete(t *testing.T) {
	r := newRig(t)
	req := &JobRequest{
		JobID:  "job-complete",
		Device: "panda01",
		Payload: deploy.Payload{
			Family: deploy.FamilyLinaro,
			Root:   r.file(t, "root.tar.gz"),
			Boot:   r.file(t, "boot.tar.bz2"),
		},
	}
	r.run(t, req)

	job, err := r.repo.Get(req.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job == nil {
		t.Fatal("job record not found")
	}
	if job.Status != db.StatusComplete {
		t.Errorf("status = %s (%s), want %s", job.Status, job.ErrorMessage, db.StatusComplete)
	}
	if job.BootCmdsSource != "device" {
		t.Errorf("boot cmds source = %q, want device", job.BootCmdsSource)
	}
	if _, err := os.Stat(filepath.Join(r.target.ScratchDir(), "root.tar.gz")); err != nil {
		t.Errorf("payload not staged: %v", err)
	}
	if r.target.Machine().State() != boot.StateTestShell {
		t.Errorf("machine state = %s", r.target.Machine().State())
	}
	if diff := cmp.Diff([]string{"mmc init", "boot"}, r.board.BootloaderLines()); diff != "" {
		t.Errorf("bootloader lines mismatch (-want +got):\n%s", diff)
	}
}

func TestDeployJob_FailedDeploymentIsRecorded(t *testing.T) {
	r := newRig(t)
	req := &JobRequest{
		JobID:  "job-xz",
		Device: "panda01",
		Payload: deploy.Payload{
			Family: deploy.FamilyLinaro,
			Root:   r.file(t, "root.tar.xz"),
			Boot:   r.file(t, "boot.tar.gz"),
		},
	}
	r.run(t, req)

	job, err := r.repo.Get(req.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job == nil || job.Status != db.StatusFailed {
		t.Fatalf("job = %+v, want failed", job)
	}
	if job.ErrorMessage == "" {
		t.Error("expected an error message on the failed job")
	}
	if n := r.board.CountPrefix("wget"); n != 0 {
		t.Errorf("sent %d transfers, want none", n)
	}
}

func TestMachine_UnknownDevice(t *testing.T) {
	m := NewMachine(nil, &storage.Stager{}, 3)
	if _, err := m.target("beagle01"); !errors.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
