package inference_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/repository/mocks"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/stretchr/testify/require"
)

type stubTrainer struct {
	conf []float64
	err  error
}

func (s stubTrainer) Train(context.Context, string, string, trainer.Params, trainer.ProgressFunc) (*trainer.Result, error) {
	return nil, errors.New("not used")
}

func (s stubTrainer) Predict(_ context.Context, _ image.Image, _ string, labels []string) (*trainer.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &trainer.Prediction{Label: labels[0], Confidences: s.conf}, nil
}

type stubJobs struct {
	active *training.Job
	waited chan string
}

func (s *stubJobs) ActiveJob(string) (*training.Job, bool) { return s.active, s.active != nil }

func (s *stubJobs) Wait(_ context.Context, id string) (*training.Job, error) {
	s.waited <- id
	return s.active, nil
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func trainedPets(layout project.Layout) *project.Project {
	p := project.New("pets", "", time.Now())
	p.SetClasses(map[string]int{"cat": 1, "dog": 2})
	p.Trained = true
	p.ModelPath = layout.ModelPath("pets")
	return p
}

func setup(t *testing.T, p *project.Project, tr trainer.Trainer, jobs inference.JobTracker, policy inference.Policy) *inference.Gateway {
	t.Helper()
	repo := &mocks.ProjectRepository{}
	if p == nil {
		repo.On("Get", context.Background(), "pets").Return(nil, project.ErrProjectNotFound)
	} else {
		repo.On("Get", context.Background(), "pets").Return(p, nil)
	}
	layout := project.Layout{Root: t.TempDir()}
	return inference.NewGateway(repo, layout, tr, jobs, policy, nil)
}

func TestPredict_ReturnsArgmaxOverProjectClasses(t *testing.T) {
	layout := project.Layout{Root: t.TempDir()}
	gw := setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.25, 0.75}}, nil, "")

	pred, err := gw.Predict(context.Background(), "pets", pngImage(t))
	require.NoError(t, err)
	require.Equal(t, "dog", pred.Label)
	require.Equal(t, "dog", pred.Prediction)
	require.Equal(t, 0.75, pred.Confidence)
	require.Equal(t, map[string]float64{"cat": 0.25, "dog": 0.75}, pred.Confidences)
	require.Equal(t, pred.Confidences, pred.AllProbabilities)
}

func TestPredict_TieGoesToEarliestClass(t *testing.T) {
	layout := project.Layout{Root: t.TempDir()}
	gw := setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.5, 0.5}}, nil, "")

	pred, err := gw.Predict(context.Background(), "pets", pngImage(t))
	require.NoError(t, err)
	require.Equal(t, "cat", pred.Label)
}

func TestPredict_AcceptsDataURL(t *testing.T) {
	layout := project.Layout{Root: t.TempDir()}
	gw := setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.9, 0.1}}, nil, "")

	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngImage(t))
	pred, err := gw.Predict(context.Background(), "pets", []byte(url))
	require.NoError(t, err)
	require.Equal(t, "cat", pred.Label)

	_, err = gw.Predict(context.Background(), "pets", []byte("data:image/png;base64,@@@"))
	require.ErrorIs(t, err, inference.ErrDecode)
}

func TestPredict_Errors(t *testing.T) {
	ctx := context.Background()
	layout := project.Layout{Root: t.TempDir()}

	untrained := project.New("pets", "", time.Now())
	_, err := setup(t, untrained, stubTrainer{}, nil, "").Predict(ctx, "pets", pngImage(t))
	require.ErrorIs(t, err, inference.ErrNotTrained)
	_, err = setup(t, untrained, stubTrainer{}, nil, "").Predict(ctx, "pets", []byte("garbage"))
	require.ErrorIs(t, err, inference.ErrNotTrained)

	_, err = setup(t, nil, stubTrainer{}, nil, "").Predict(ctx, "pets", pngImage(t))
	require.ErrorIs(t, err, project.ErrProjectNotFound)

	_, err = setup(t, trainedPets(layout), stubTrainer{}, nil, "").Predict(ctx, "pets", []byte("garbage"))
	require.ErrorIs(t, err, inference.ErrDecode)

	_, err = setup(t, trainedPets(layout), stubTrainer{err: trainer.ErrArtifact}, nil, "").Predict(ctx, "pets", pngImage(t))
	require.ErrorIs(t, err, inference.ErrInference)

	_, err = setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.2, 0.2}}, nil, "").Predict(ctx, "pets", pngImage(t))
	require.ErrorIs(t, err, inference.ErrInference)

	_, err = setup(t, trainedPets(layout), stubTrainer{conf: []float64{1}}, nil, "").Predict(ctx, "pets", pngImage(t))
	require.ErrorIs(t, err, inference.ErrInference)
}

func TestPredict_StaleModelLabels(t *testing.T) {
	repo := &mocks.ProjectRepository{}
	layout := project.Layout{Root: t.TempDir()}
	p := trainedPets(layout)
	repo.On("Get", context.Background(), "pets").Return(p, nil)

	require.NoError(t, os.MkdirAll(filepath.Dir(layout.ClassLabelsPath("pets")), 0o755))
	require.NoError(t, os.WriteFile(layout.ClassLabelsPath("pets"), []byte(`["bird","cat"]`), 0o644))

	gw := inference.NewGateway(repo, layout, stubTrainer{conf: []float64{0.5, 0.5}}, nil, inference.PolicyServe, nil)
	_, err := gw.Predict(context.Background(), "pets", pngImage(t))
	require.ErrorIs(t, err, inference.ErrInference)
	require.ErrorContains(t, err, "retrain")
}

func TestPredict_WaitPolicyBlocksOnRunningJob(t *testing.T) {
	layout := project.Layout{Root: t.TempDir()}
	jobs := &stubJobs{active: &training.Job{ID: "job-1", Project: "pets"}, waited: make(chan string, 1)}

	gw := setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.6, 0.4}}, jobs, inference.PolicyWait)
	_, err := gw.Predict(context.Background(), "pets", pngImage(t))
	require.NoError(t, err)
	require.Equal(t, "job-1", <-jobs.waited)

	served := setup(t, trainedPets(layout), stubTrainer{conf: []float64{0.6, 0.4}}, jobs, inference.PolicyServe)
	_, err = served.Predict(context.Background(), "pets", pngImage(t))
	require.NoError(t, err)
	require.Empty(t, jobs.waited)
}
