package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fly-io/boardlab/internal/config"
	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/errors"
)

var (
	cleanupAll      bool
	cleanupJob      string
	cleanupOrphaned bool
	cleanupPurge    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up job resources (scratch dirs, transcripts, records)",
	Long: `Clean up host resources of finished jobs:
  --all          Clean every finished job
  --job <id>     Clean one finished job
  --orphaned     Remove scratch and work dirs not tracked in the database
  --purge        Also delete the job records and transcripts`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all finished jobs")
	cleanupCmd.Flags().StringVar(&cleanupJob, "job", "", "Clean a specific job by ID")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned resources")
	cleanupCmd.Flags().BoolVar(&cleanupPurge, "purge", false, "Delete job records and transcripts too")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	switch {
	case cleanupAll:
		return cleanupFinishedJobs(repo, cfg)
	case cleanupJob != "":
		return cleanupSpecificJob(repo, cfg, cleanupJob)
	case cleanupOrphaned:
		return cleanupOrphanedResources(repo, cfg)
	default:
		return fmt.Errorf("must specify --all, --job, or --orphaned")
	}
}

func cleanupFinishedJobs(repo *db.Repository, cfg *config.Config) error {
	jobs, err := repo.List(db.StatusComplete, db.StatusFailed)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("Cleaning up %d finished jobs...\n", len(jobs))

	for _, job := range jobs {
		if err := cleanupJobResources(repo, cfg, job); err != nil {
			fmt.Printf("Failed to clean %s: %v\n", job.ID, err)
		} else {
			fmt.Printf("Cleaned: %s (%s)\n", job.ID, job.Device)
		}
	}

	return nil
}

func cleanupSpecificJob(repo *db.Repository, cfg *config.Config, id string) error {
	job, err := repo.Get(id)
	if err != nil {
		return errors.Wrap(err, "job lookup failed")
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}
	if !db.Finished(job.Status) {
		return fmt.Errorf("job %s is still %s", id, job.Status)
	}

	if err := cleanupJobResources(repo, cfg, job); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("Cleaned: %s\n", id)
	return nil
}

func cleanupJobResources(repo *db.Repository, cfg *config.Config, job *db.Job) error {
	// 1. Remove staged payload and exchange archives
	scratch := job.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(cfg.ImageTmpDir, job.ID)
	}
	if err := os.RemoveAll(scratch); err != nil {
		return errors.Wrap(err, "failed to remove scratch dir")
	}

	if !cleanupPurge {
		return nil
	}

	// 2. Remove transcript
	if err := os.RemoveAll(filepath.Join(cfg.WorkDir, job.ID)); err != nil {
		return errors.Wrap(err, "failed to remove work dir")
	}

	// 3. Delete record
	if err := repo.Delete(job.ID); err != nil {
		return errors.Wrap(err, "failed to delete job record")
	}

	return nil
}

func cleanupOrphanedResources(repo *db.Repository, cfg *config.Config) error {
	fmt.Println("Scanning for orphaned resources...")

	orphanCount := 0
	for _, dir := range []string{cfg.ImageTmpDir, cfg.WorkDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			// Only job directories are named by a job UUID
			if !entry.IsDir() {
				continue
			}
			if _, err := uuid.Parse(entry.Name()); err != nil {
				continue
			}

			// Check if this job exists in database
			job, err := repo.Get(entry.Name())
			if err != nil || job != nil {
				continue
			}

			orphanPath := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(orphanPath); err != nil {
				fmt.Printf("Failed to remove orphaned directory %s: %v\n", orphanPath, err)
			} else {
				fmt.Printf("Removed orphaned directory: %s\n", orphanPath)
				orphanCount++
			}
		}
	}

	fmt.Printf("Removed %d orphaned resources\n", orphanCount)
	return nil
}
