// Package inference serves predictions from a project's trained model.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"slices"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/imaging"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

var (
	ErrNotTrained = errors.New("project is not trained")
	ErrInference  = errors.New("inference failed")
	// ErrDecode is imaging.ErrDecode, re-exported for callers of Predict.
	ErrDecode = imaging.ErrDecode
)

const sumTolerance = 1e-4

// Policy decides what Predict does while the project is being retrained.
type Policy string

const (
	// PolicyServe answers from the current model during a retrain.
	PolicyServe Policy = "serve"
	// PolicyWait holds the request until the running job ends.
	PolicyWait Policy = "wait"
)

// ProjectReader reads project records.
type ProjectReader interface {
	Get(ctx context.Context, name string) (*project.Project, error)
}

// JobTracker reports running training jobs.
type JobTracker interface {
	ActiveJob(name string) (*training.Job, bool)
	Wait(ctx context.Context, id string) (*training.Job, error)
}

// Prediction is the answer for one image.
type Prediction struct {
	Label       string             `json:"label"`
	Confidences map[string]float64 `json:"confidences"`

	Prediction       string             `json:"prediction"`
	Confidence       float64            `json:"confidence"`
	AllProbabilities map[string]float64 `json:"all_probabilities"`
}

// Gateway gates predictions on trained state and delegates to the trainer.
type Gateway struct {
	store   ProjectReader
	layout  project.Layout
	trainer trainer.Trainer
	jobs    JobTracker
	policy  Policy
	logger  *slog.Logger
}

// NewGateway creates a gateway. jobs may be nil, in which case the policy
// has no effect.
func NewGateway(store ProjectReader, layout project.Layout, t trainer.Trainer, jobs JobTracker, policy Policy, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if policy == "" {
		policy = PolicyServe
	}
	return &Gateway{store: store, layout: layout, trainer: t, jobs: jobs, policy: policy, logger: logger}
}

// Predict classifies an image for the named project. data is either raw
// image bytes or a base64 data URL.
func (g *Gateway) Predict(ctx context.Context, name string, data []byte) (*Prediction, error) {
	if g.policy == PolicyWait && g.jobs != nil {
		if job, ok := g.jobs.ActiveJob(name); ok {
			g.logger.Debug("waiting for training before predicting", "project", name, "job_id", job.ID)
			if _, err := g.jobs.Wait(ctx, job.ID); err != nil {
				return nil, err
			}
		}
	}

	p, err := g.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !p.Trained {
		return nil, fmt.Errorf("%w: %s", ErrNotTrained, name)
	}

	raw, err := DecodeInput(data)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return nil, err
	}

	labels, err := g.modelLabels(p)
	if err != nil {
		return nil, err
	}
	out, err := g.trainer.Predict(ctx, img, p.ModelPath, labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return newPrediction(labels, out.Confidences)
}

// modelLabels returns the class labels the model was trained on. They must
// still match the project's classes, or every index would be mislabelled.
func (g *Gateway) modelLabels(p *project.Project) ([]string, error) {
	data, err := os.ReadFile(g.layout.ClassLabelsPath(p.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return p.Classes, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read class labels: %v", ErrInference, err)
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("%w: parse class labels: %v", ErrInference, err)
	}
	if !slices.Equal(labels, p.Classes) {
		return nil, fmt.Errorf("%w: model was trained on classes %v but the project has %v; retrain the project",
			ErrInference, labels, p.Classes)
	}
	return labels, nil
}

// newPrediction checks the confidences and picks the label, the earliest
// class on ties.
func newPrediction(labels []string, conf []float64) (*Prediction, error) {
	if len(conf) != len(labels) {
		return nil, fmt.Errorf("%w: %d confidences for %d classes", ErrInference, len(conf), len(labels))
	}
	var sum float64
	best := 0
	byClass := make(map[string]float64, len(labels))
	for i, c := range conf {
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, fmt.Errorf("%w: confidence %v for %s out of range", ErrInference, c, labels[i])
		}
		sum += c
		if c > conf[best] {
			best = i
		}
		byClass[labels[i]] = c
	}
	if math.Abs(sum-1) > sumTolerance {
		return nil, fmt.Errorf("%w: confidences sum to %v", ErrInference, sum)
	}
	return &Prediction{
		Label:            labels[best],
		Confidences:      byClass,
		Prediction:       labels[best],
		Confidence:       conf[best],
		AllProbabilities: byClass,
	}, nil
}

// DecodeInput unwraps a base64 data URL; any other input is returned as is.
func DecodeInput(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte("data:")) {
		return data, nil
	}
	_, payload, ok := bytes.Cut(data, []byte(","))
	if !ok || !bytes.Contains(data[:len(data)-len(payload)], []byte(";base64")) {
		return nil, fmt.Errorf("%w: malformed data URL", ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}
