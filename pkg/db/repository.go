package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fly-io/boardlab/pkg/errors"
)

// ErrDeviceBusy is returned when a device already has an unfinished job.
var ErrDeviceBusy = stderrors.New("device has an unfinished job")

// Repository provides database operations for jobs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer at a time; parallel devices share this store.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const jobColumns = `id, device, family, payload, status, boot_attempts,
	device_version, target_ip, boot_cmds_source, scratch_dir, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var version, ip, source, scratch, errorMessage sql.NullString
	err := s.Scan(
		&job.ID, &job.Device, &job.Family, &job.Payload, &job.Status, &job.BootAttempts,
		&version, &ip, &source, &scratch, &errorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.DeviceVersion = version.String
	job.TargetIP = ip.String
	job.BootCmdsSource = source.String
	job.ScratchDir = scratch.String
	job.ErrorMessage = errorMessage.String
	return &job, nil
}

// Create inserts a pending job, assigning an ID when it has none. It fails
// with ErrDeviceBusy while the device has an unfinished job.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	slog.Info("database_create_job", "job_id", job.ID, "device", job.Device)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var active int
	query := `SELECT COUNT(*) FROM jobs WHERE device = ? AND status NOT IN (?, ?)`
	if err := tx.QueryRowContext(ctx, query, job.Device, StatusComplete, StatusFailed).Scan(&active); err != nil {
		slog.Error("database_query_failed", "device", job.Device, "error", err)
		return errors.Wrap(err, "failed to query active jobs")
	}
	if active > 0 {
		slog.Warn("database_device_busy", "device", job.Device, "active_jobs", active)
		return fmt.Errorf("%w: %s", ErrDeviceBusy, job.Device)
	}

	insert := `
		INSERT INTO jobs (id, device, family, payload, status, boot_attempts, scratch_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		job.ID, job.Device, job.Family, job.Payload, job.Status, job.BootAttempts, job.ScratchDir); err != nil {
		slog.Error("database_insert_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_job_created", "job_id", job.ID, "device", job.Device, "status", job.Status)
	return nil
}

// Get retrieves a job by ID. A missing job is nil without error.
func (r *Repository) Get(id string) (*Job, error) {
	job, err := scanJob(r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		slog.Info("database_job_not_found", "job_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// Update writes every mutable field of job.
func (r *Repository) Update(job *Job) error {
	slog.Info("database_update_job", "job_id", job.ID, "status", job.Status)

	query := `
		UPDATE jobs
		SET status = ?, boot_attempts = ?, device_version = ?, target_ip = ?,
		    boot_cmds_source = ?, scratch_dir = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		job.Status, job.BootAttempts, job.DeviceVersion, job.TargetIP,
		job.BootCmdsSource, job.ScratchDir, job.ErrorMessage, job.ID)
	if err != nil {
		slog.Error("database_update_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_job_not_found_for_update", "job_id", job.ID)
		return fmt.Errorf("job not found: id=%s", job.ID)
	}
	return nil
}

// UpdateStatus updates only the status and error message.
func (r *Repository) UpdateStatus(id, status, errorMessage string) error {
	slog.Info("database_update_status", "job_id", id, "status", status)

	query := `UPDATE jobs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "job_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves jobs, newest first, optionally only those with one of the
// given statuses.
func (r *Repository) List(statuses ...string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "job_count", len(jobs))
	return jobs, nil
}

// Delete deletes a job by ID
func (r *Repository) Delete(id string) error {
	slog.Info("database_delete_job", "job_id", id)

	if _, err := r.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "job_id", id, "error", err)
		return errors.Wrap(err, "failed to delete job")
	}
	return nil
}
