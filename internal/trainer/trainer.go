// Package trainer defines the model fitting capability the orchestrator and
// the inference gateway depend on, and ships a small bundled implementation.
package trainer

import (
	"context"
	"errors"
	"image"

	"github.com/rpggio/imgclass/internal/domain/project"
)

var (
	// ErrNoData indicates a dataset without usable labelled images.
	ErrNoData = errors.New("no usable training data")
	// ErrArtifact indicates a model artifact that cannot be read.
	ErrArtifact = errors.New("unreadable model artifact")
	// ErrShapeMismatch indicates an artifact whose classes differ from the
	// labels it is asked to predict.
	ErrShapeMismatch = errors.New("model shape mismatch")
)

// Params are the hyperparameters of one training run.
type Params struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	ImageSize    int     `json:"image_size"`
}

// Result is the output of a successful training run.
type Result struct {
	Classes      []string             `json:"classes"`
	History      []project.EpochStats `json:"history"`
	ArtifactPath string               `json:"artifact"`
}

// Prediction holds per-class confidences aligned with the labels passed to
// Predict.
type Prediction struct {
	Label       string    `json:"label"`
	Confidences []float64 `json:"confidences"`
}

// ProgressFunc receives each epoch's stats as soon as the epoch ends.
type ProgressFunc func(project.EpochStats)

// Trainer fits a classifier on a class-partitioned image directory and
// predicts with the artifact it produced.
type Trainer interface {
	// Train fits a model on datasetRoot and writes its artifact into outDir.
	// It may run for an unbounded time and stops early when ctx is done.
	Train(ctx context.Context, datasetRoot, outDir string, params Params, progress ProgressFunc) (*Result, error)
	Predict(ctx context.Context, img image.Image, artifactPath string, classLabels []string) (*Prediction, error)
}
