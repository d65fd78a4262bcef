package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/spf13/cobra"
)

// NewTrainCommand creates the train command
func NewTrainCommand() *cobra.Command {
	var epochs, batchSize int
	var learningRate float64
	cmd := &cobra.Command{
		Use:   "train NAME",
		Short: "Train a project's model and print progress per epoch",
		Long: `Train a project's model and wait for the job to finish. Flags left unset
use the configured defaults. Interrupting cancels the job and keeps the
previous model.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			params := a.orch.DefaultParams()
			if cmd.Flags().Changed("epochs") {
				params.Epochs = epochs
			}
			if cmd.Flags().Changed("batch-size") {
				params.BatchSize = batchSize
			}
			if cmd.Flags().Changed("learning-rate") {
				params.LearningRate = learningRate
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := a.orch.Start(ctx, args[0], params)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s job %s (%d epochs, runner %s)\n", titleStyle.Render("Training"), job.ID, params.Epochs, job.Runner)

			id := job.ID
			if job, err = followJob(ctx, a.orch, id, out); err != nil {
				bg := context.WithoutCancel(ctx)
				if job, err = a.orch.Cancel(bg, id); err != nil {
					// finished between the interrupt and the cancel
					if job, err = a.orch.Status(bg, id); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(out, "Job %s %s\n", job.ID, stateText(job))
			if job.State != training.StateSucceeded {
				if job.Error != "" {
					return fmt.Errorf("training %s: %s", job.Reason, job.Error)
				}
				return fmt.Errorf("training %s", job.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&epochs, "epochs", 0, "number of epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "minibatch size")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 0, "learning rate")
	return cmd
}

// followJob prints each new epoch until the job ends or ctx is done. On
// ctx done it returns the last seen job with ctx's error.
func followJob(ctx context.Context, orch *training.Orchestrator, id string, w io.Writer) (*training.Job, error) {
	printed := 0
	for {
		job, changed, err := orch.Watch(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, s := range job.History[printed:] {
			fmt.Fprintf(w, "  epoch %3d/%d  loss %.4f  accuracy %5.1f%%\n", s.Epoch, job.Params.Epochs, s.Loss, s.Accuracy)
		}
		printed = len(job.History)
		if changed == nil {
			return job, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}

// NewTrainWorkerCommand creates the hidden command the exec runner starts
// for each job. It writes the worker protocol to stdout.
func NewTrainWorkerCommand() *cobra.Command {
	var (
		datasetRoot string
		outDir      string
		seed        uint64
		params      trainer.Params
	)
	cmd := &cobra.Command{
		Use:    "train-worker",
		Short:  "Run one training job and report progress as JSON lines",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := training.ValidateParams(params); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			return training.ServeWorker(ctx, trainer.NewLinear(seed, logger), datasetRoot, outDir, params, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&datasetRoot, "dataset", "", "dataset directory with one folder per class")
	cmd.Flags().StringVar(&outDir, "out", "", "directory the model artifact is written to")
	cmd.Flags().IntVar(&params.Epochs, "epochs", 10, "number of epochs")
	cmd.Flags().IntVar(&params.BatchSize, "batch-size", 32, "minibatch size")
	cmd.Flags().Float64Var(&params.LearningRate, "learning-rate", 0.001, "learning rate")
	cmd.Flags().IntVar(&params.ImageSize, "image-size", 32, "side length images are resized to")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "weight initialisation seed")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
