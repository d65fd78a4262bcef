package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rpggio/imgclass/internal/training"
	"github.com/spf13/cobra"
)

// NewJobCommand creates the job command group
func NewJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect training jobs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list NAME",
		Short: "List a project's training jobs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.projects.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			jobs, err := a.orch.ListJobs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for i := range jobs {
				j := &jobs[i]
				rows = append(rows, []string{
					j.ID,
					stateText(j),
					fmt.Sprintf("%d/%d", len(j.History), j.Params.Epochs),
					j.StartedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprint(out, renderTable([]string{"ID", "STATE", "EPOCHS", "STARTED"}, rows))
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "status ID",
		Short: "Show a job's state and per-epoch history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	})
	return cmd
}

func printJob(cmd *cobra.Command, job *training.Job) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, titleStyle.Render("Job "+job.ID))
	field(w, "Project", job.Project)
	field(w, "State", stateText(job))
	field(w, "Runner", job.Runner)
	field(w, "Started", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if job.FinishedAt != nil {
		field(w, "Finished", job.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.Error != "" {
		field(w, "Error", job.Error)
	}
	if len(job.History) == 0 {
		return
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(job.History))
	for _, s := range job.History {
		rows = append(rows, []string{
			strconv.Itoa(s.Epoch),
			fmt.Sprintf("%.4f", s.Loss),
			fmt.Sprintf("%.1f%%", s.Accuracy),
		})
	}
	fmt.Fprint(w, renderTable([]string{"EPOCH", "LOSS", "ACCURACY"}, rows))
}
