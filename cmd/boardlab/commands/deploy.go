package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/fly-io/boardlab/internal/config"
	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/errors"
	appfsm "github.com/fly-io/boardlab/pkg/fsm"
	"github.com/fly-io/boardlab/pkg/results"
	"github.com/fly-io/boardlab/pkg/storage"
)

var (
	deployPayloadFile string
	deployPayload     deploy.Payload
	deployBootCmds    []string
	deployBootOption  string
	deployJobName     string
	deployStream      string
	deployHostResults string
	deployParallel    int
	deployServe       bool
	deployPowerOff    bool
	deployMirror      bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <device>...",
	Short: "Deploy a payload to one or more boards and boot the test image",
	Long: `Deploys the same payload to every named board in parallel. A device is a
name looked up in device-dir or a path to its YAML file. Payload sources may be
host paths, http(s) URLs or s3://bucket/key objects.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	f := deployCmd.Flags()
	f.StringVar(&deployPayloadFile, "payload", "", "JSON file describing the payload")
	f.StringVar(&deployPayload.Family, "family", "", "Image family (linaro, android)")
	f.StringVar(&deployPayload.Boot, "boot", "", "Boot tarball source")
	f.StringVar(&deployPayload.Root, "root", "", "Root filesystem tarball source")
	f.StringVar(&deployPayload.System, "system", "", "Android system tarball source")
	f.StringVar(&deployPayload.Data, "data", "", "Android userdata tarball source")
	f.StringVar(&deployPayload.RootFSType, "rootfs-type", "", "Filesystem for the test rootfs")
	f.StringArrayVar(&deployBootCmds, "boot-cmd", nil, "Bootloader command (repeatable); overrides every other source")
	f.StringVar(&deployBootOption, "boot-option", "", "Named boot_options entry of the device")
	f.StringVar(&deployJobName, "job-name", "boardlab", "Job name used for the result bundle")
	f.StringVar(&deployStream, "stream", "/anonymous/", "Result stream")
	f.StringVar(&deployHostResults, "host-results", "", "Directory of .bundle files to merge into the result")
	f.IntVar(&deployParallel, "parallel", 0, "Maximum boards deployed at once (0 = all)")
	f.BoolVar(&deployServe, "serve", false, "Serve image-tmpdir while deploying")
	f.BoolVar(&deployPowerOff, "power-off", false, "Power boards off when done")
	f.BoolVar(&deployMirror, "mirror", false, "Copy console traffic to stdout")
}

func loadPayload() (deploy.Payload, error) {
	if deployPayloadFile == "" {
		return deployPayload, nil
	}
	data, err := os.ReadFile(deployPayloadFile)
	if err != nil {
		return deploy.Payload{}, errors.Config("cannot read payload file", err)
	}
	var p deploy.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return deploy.Payload{}, errors.Config("cannot parse payload file", err)
	}
	return p, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload, err := loadPayload()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir, cfg.ImageTmpDir, cfg.ResultsDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, newStager(ctx, cfg), cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	serveDone := make(chan error, 1)
	if deployServe {
		srv, err := newImageServer(cfg)
		if err != nil {
			return err
		}
		go func() { serveDone <- srv.Run(serveCtx) }()
	} else {
		serveDone <- nil
	}

	d := &deployer{cfg: cfg, repo: repo, manager: manager, machine: machine, start: start, payload: payload}
	var g errgroup.Group
	if deployParallel > 0 {
		g.SetLimit(deployParallel)
	}
	for _, name := range args {
		g.Go(func() error {
			return d.run(ctx, name)
		})
	}
	err = g.Wait()

	stopServe()
	if serr := <-serveDone; serr != nil {
		slog.Error("image_server_failed", "error", serr)
	}
	return err
}

type deployer struct {
	cfg     *config.Config
	repo    *db.Repository
	manager *fsm.Manager
	machine *appfsm.Machine
	start   fsm.Start[appfsm.JobRequest, appfsm.JobResponse]
	payload deploy.Payload
}

// run deploys to one board and submits its result bundle.
func (d *deployer) run(ctx context.Context, name string) error {
	dev, err := config.LoadDevice(d.cfg.DevicePath(name))
	if err != nil {
		return err
	}

	jobID := uuid.NewString()
	var mirror io.Writer
	if deployMirror {
		mirror = os.Stdout
	}
	conn, err := openBoard(ctx, d.cfg, dev, filepath.Join(d.cfg.WorkDir, jobID, "serial.log"), mirror)
	if err != nil {
		return err
	}
	defer conn.Close()

	target, err := deploy.NewTarget(conn.machine, deploy.Options{
		ImageDir:   d.cfg.ImageTmpDir,
		ImageURL:   d.cfg.ImageURL,
		ScratchDir: filepath.Join(d.cfg.ImageTmpDir, jobID),
		Limits:     d.cfg.Limits(),
		BootCmds:   deployBootCmds,
		BootOption: deployBootOption,
	})
	if err != nil {
		return err
	}
	d.machine.Attach(target)
	defer d.machine.Detach(dev.Hostname)

	req := &appfsm.JobRequest{JobID: jobID, Device: dev.Hostname, Payload: d.payload}
	version, err := d.start(ctx, jobID, fsm.NewRequest(req, &appfsm.JobResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "job_id", jobID, "device", dev.Hostname, "version", version)

	jobErr := d.manager.Wait(ctx, version)
	job, err := d.repo.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Critical("job record missing for "+jobID, jobErr)
	}
	if job.Status != db.StatusComplete && jobErr == nil {
		jobErr = errors.Critical(job.ErrorMessage, nil)
	}

	if ref, err := d.report(ctx, conn, job, jobErr); err != nil {
		slog.Error("result_submit_failed", "job_id", jobID, "error", err)
	} else {
		slog.Info("result_submitted", "job_id", jobID, "ref", ref)
	}

	if deployPowerOff {
		if err := conn.machine.PowerOff(ctx); err != nil {
			slog.Warn("power_off_failed", "device", dev.Hostname, "error", err)
		}
	}

	slog.Info("deploy_job_finished", "job_id", jobID, "device", dev.Hostname, "status", job.Status)
	if jobErr != nil {
		return errors.Wrap(jobErr, dev.Hostname)
	}
	return nil
}

func (d *deployer) report(ctx context.Context, conn *boardConn, job *db.Job, jobErr error) (string, error) {
	run := results.NewRun("boardlab")
	run.AddResult("deploy_and_boot", jobErr)
	run.Attach("serial.log", "text/plain", conn.sink.Bytes())

	var bundles []*results.Bundle
	if deployHostResults != "" {
		var err error
		bundles, err = results.LoadBundles(deployHostResults)
		run.AddResult("gather_results", err)
	}

	meta := map[string]string{
		"job_id":         job.ID,
		"target":         job.Device,
		"target.profile": conn.cfg.BoardProfile,
		"boot_attempts":  strconv.Itoa(job.BootAttempts),
		"boot_cmds":      job.BootCmdsSource,
	}
	if job.DeviceVersion != "" {
		meta["target.device_version"] = job.DeviceVersion
	}
	if job.TargetIP != "" {
		meta["target.ip"] = job.TargetIP
	}

	sub := &results.FileSubmitter{Dir: d.cfg.ResultsDir}
	return sub.Submit(ctx, results.Combine(bundles, run, meta), deployJobName, deployStream)
}

// newImageServer serves image-tmpdir at the path of image-url.
func newImageServer(cfg *config.Config) (*storage.ImageServer, error) {
	u, err := url.Parse(cfg.ImageURL)
	if err != nil {
		return nil, errors.Config("invalid image-url", err)
	}
	prefix := u.Path
	if prefix == "" || prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return storage.NewImageServer(cfg.ImageTmpDir, cfg.ListenAddr, prefix), nil
}
