package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/swapline/internal/store"
	"github.com/andresmejia3/swapline/internal/types"
	"github.com/spf13/cobra"
)

var (
	jobsLimit     int
	jobsSimilar   string
	jobsThreshold float64
)

var errNoLedger = errors.New("no job ledger configured (use --db or POSTGRES_HOST)")

var jobsCmd = &cobra.Command{
	Use:   "jobs [job_id]",
	Short: "List recorded jobs, or show one job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			return errNoLedger
		}
		ctx := cmd.Context()

		if len(args) == 1 {
			job, err := DB.GetJob(ctx, args[0])
			if store.IsNotFound(err) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to load job: %w", err)
			}
			printJob(os.Stdout, job)
			return nil
		}

		var (
			jobs []types.JobRecord
			err  error
		)
		if jobsSimilar != "" {
			jobs, err = DB.FindJobsWithSimilarReference(ctx, jobsSimilar, jobsThreshold)
		} else {
			jobs, err = DB.ListJobs(ctx, jobsLimit)
		}
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		printJobs(os.Stdout, jobs)
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum number of jobs to list")
	jobsCmd.Flags().StringVar(&jobsSimilar, "similar", "", "List jobs whose reference face resembles this job's")
	jobsCmd.Flags().Float64Var(&jobsThreshold, "threshold", 0.85, "Squared embedding distance for --similar")
	rootCmd.AddCommand(jobsCmd)
}

func printJobs(out io.Writer, jobs []types.JobRecord) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found in ledger.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tSTAGES\tTARGET\tSTARTED")
	fmt.Fprintln(w, "--\t------\t----\t------\t------\t-------")

	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", shortID(j.ID), j.Status, j.Mode,
			strings.Join(j.Stages, ","), j.TargetPath, j.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printJob(out io.Writer, j types.JobRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", j.ID)
	fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	fmt.Fprintf(w, "Mode:\t%s\n", j.Mode)
	fmt.Fprintf(w, "Stages:\t%s\n", strings.Join(j.Stages, ", "))
	fmt.Fprintf(w, "Source:\t%s\n", j.SourcePath)
	fmt.Fprintf(w, "Target:\t%s\n", j.TargetPath)
	fmt.Fprintf(w, "Output:\t%s\n", j.OutputPath)
	fmt.Fprintf(w, "Started:\t%s\n", j.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if j.FinishedAt != nil {
		fmt.Fprintf(w, "Took:\t%s\n", j.FinishedAt.Sub(j.StartedAt).Round(100*time.Millisecond))
	}
	if j.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", j.Error)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
