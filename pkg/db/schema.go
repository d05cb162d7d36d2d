package db

// Schema defines the SQLite schema for deployment jobs. The scheduler reads
// job status transitions from this table.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    device TEXT NOT NULL,
    family TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'booting_master', 'deploying', 'booting_test', 'complete', 'failed')),
    boot_attempts INTEGER NOT NULL DEFAULT 0,
    device_version TEXT,
    target_ip TEXT,
    boot_cmds_source TEXT,
    scratch_dir TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_device ON jobs(device);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Status constants
const (
	StatusPending       = "pending"
	StatusBootingMaster = "booting_master"
	StatusDeploying     = "deploying"
	StatusBootingTest   = "booting_test"
	StatusComplete      = "complete"
	StatusFailed        = "failed"
)

// Finished reports whether status is terminal.
func Finished(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Job represents one deployment of a payload to a device.
type Job struct {
	ID             string
	Device         string
	Family         string
	Payload        string
	Status         string
	BootAttempts   int
	DeviceVersion  string
	TargetIP       string
	BootCmdsSource string
	ScratchDir     string
	ErrorMessage   string
	CreatedAt      string
	UpdatedAt      string
}
