package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/spf13/cobra"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry jobs",
	}

	jobsCmd.AddCommand(newJobsGetCommand(ctx))
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsAbandonCommand(ctx))

	return jobsCmd
}

func newJobsGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore(cmd.Context())
			if err != nil {
				return err
			}

			job, err := store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job %s: %w", args[0], err)
			}

			fmt.Fprint(cmd.OutOrStdout(), renderKeyValues(jobRows(job)))
			return nil
		},
	}
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		owner  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.JobFilter{OwnerID: strings.TrimSpace(owner), PageSize: limit}
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			store, err := ctx.ensureStore(cmd.Context())
			if err != nil {
				return err
			}

			jobs, err := store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) > limit {
				jobs = jobs[:limit]
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.OwnerID,
					string(job.Status),
					fmt.Sprintf("%.0f%%", job.Progress.Fraction*100),
					strconv.Itoa(job.RetryCount),
					job.CreatedAt.UTC().Format(time.RFC3339),
					truncate(job.Prompt, 40),
				})
			}

			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Owner", "Status", "Progress", "Retries", "Created", "Prompt"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list jobs of this owner")
	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")

	return cmd
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resume a failed job from the stage that failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore(cmd.Context())
			if err != nil {
				return err
			}

			job, err := store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job %s: %w", args[0], err)
			}

			stage, ok := orchestrator.ResumeStage(job)
			if job.Status != domain.StatusFailed || !ok {
				return fmt.Errorf("job %s is %s and cannot be retried", job.ID, job.Status)
			}

			jobs, err := ctx.jobService(cmd.Context(), true)
			if err != nil {
				return err
			}

			retried, err := jobs.Retry(cmd.Context(), job.ID, job.OwnerID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s resumed at %s (status %s, retry %d of %d)\n",
				retried.ID, stage, retried.Status, retried.RetryCount, domain.MaxRetries)
			return nil
		},
	}
}

func newJobsAbandonCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "abandon <job-id>",
		Short: "Fail a job whose stage stopped without finishing",
		Long: "Marks a generating, rendering or uploading job as failed with a timeout\n" +
			"when it has not changed for --older-than, so it can be retried.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("%w: --older-than must be positive", domain.ErrValidation)
			}

			jobs, err := ctx.jobService(cmd.Context(), false)
			if err != nil {
				return err
			}

			job, err := jobs.Abandon(cmd.Context(), args[0], olderThan)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s failed at %s: %s\n", job.ID, job.FailedStage, job.ErrorMessage)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum time since the job last changed")
	return cmd
}

func jobRows(job *domain.Job) [][]string {
	rows := [][]string{
		{"ID", job.ID},
		{"Owner", job.OwnerID},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%.0f%% %s", job.Progress.Fraction*100, job.Progress.Message)},
		{"Tone", string(job.Tone)},
		{"Target", fmt.Sprintf("%ds", job.TargetDurationSeconds)},
		{"Prompt", truncate(job.Prompt, 60)},
		{"Retries", fmt.Sprintf("%d of %d", job.RetryCount, domain.MaxRetries)},
		{"Created", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"Updated", job.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if len(job.Captions) > 0 {
		rows = append(rows, []string{"Captions", fmt.Sprintf("%d (%d dropped)", len(job.Captions), job.CaptionsDropped)})
	}
	if job.Metadata != nil {
		rows = append(rows, []string{"Title", job.Metadata.Title})
	}
	if job.MediaRef != "" {
		rows = append(rows, []string{"Media", job.MediaRef})
	}
	if job.Publish != nil {
		rows = append(rows, []string{"Channel", job.Publish.ChannelID + " (" + string(job.Publish.Privacy) + ")"})
	}
	if job.PlatformVideoID != "" {
		rows = append(rows, []string{"Video", job.PlatformVideoID})
	}
	if job.Status == domain.StatusFailed {
		rows = append(rows, []string{"Error", fmt.Sprintf("[%s/%s] %s", job.FailedStage, job.ErrorKind, job.ErrorMessage)})
	}

	return rows
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
