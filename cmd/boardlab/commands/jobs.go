package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/boardlab/pkg/db"
	"github.com/fly-io/boardlab/pkg/errors"
)

var jobsStatus []string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List deployment jobs and their status",
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.Flags().StringSliceVar(&jobsStatus, "status", nil, "Only show jobs with these statuses")
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	jobs, err := repo.List(jobsStatus...)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-12s %-8s %-15s %-8s %-16s %s\n", "JOB", "DEVICE", "FAMILY", "STATUS", "BOOTS", "IP", "ERROR")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, job := range jobs {
		fmt.Printf("%-36s %-12s %-8s %-15s %-8d %-16s %s\n",
			job.ID, job.Device, job.Family, job.Status, job.BootAttempts, orDash(job.TargetIP), job.ErrorMessage)
	}

	return nil
}
