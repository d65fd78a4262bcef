package training

import (
	"context"

	"github.com/rpggio/imgclass/internal/trainer"
)

// Runner isolates one training run, in-process or out of process.
type Runner interface {
	Name() string
	Run(ctx context.Context, datasetRoot, outDir string, params trainer.Params, progress trainer.ProgressFunc) (*trainer.Result, error)
}

// InProcessRunner runs the trainer on a goroutine of the serving process.
type InProcessRunner struct {
	Trainer trainer.Trainer
}

func (r InProcessRunner) Name() string { return "inprocess" }

func (r InProcessRunner) Run(ctx context.Context, datasetRoot, outDir string, params trainer.Params, progress trainer.ProgressFunc) (*trainer.Result, error) {
	return r.Trainer.Train(ctx, datasetRoot, outDir, params, progress)
}
