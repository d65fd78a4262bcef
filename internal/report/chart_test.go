package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/repository/mocks"
	"github.com/stretchr/testify/require"
)

var history = []project.EpochStats{
	{Epoch: 1, Loss: 0.9, Accuracy: 45},
	{Epoch: 2, Loss: 0.6, Accuracy: 70},
	{Epoch: 3, Loss: 0.4, Accuracy: 85},
}

func TestWriteSVG(t *testing.T) {
	for _, m := range []Metric{MetricLoss, MetricAccuracy} {
		var buf bytes.Buffer
		require.NoError(t, WriteSVG(&buf, "pets", history, m))
		require.Contains(t, buf.String(), "<svg")
		require.Contains(t, buf.String(), "training "+string(m))
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	require.Equal(t, MetricLoss, m)
	m, err = ParseMetric("accuracy")
	require.NoError(t, err)
	require.Equal(t, MetricAccuracy, m)
	_, err = ParseMetric("f1")
	require.Error(t, err)
}

func TestReporter_HistoryChart(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ProjectRepository{}
	trained := project.New("pets", "", time.Now())
	trained.Trained = true
	trained.ModelPath = "models/model.gob"
	trained.TrainingHistory = history
	repo.On("Get", ctx, "pets").Return(trained, nil)
	repo.On("Get", ctx, "fresh").Return(project.New("fresh", "", time.Now()), nil)
	repo.On("Get", ctx, "ghost").Return(nil, project.ErrProjectNotFound)

	r := NewReporter(repo)
	var buf bytes.Buffer
	require.NoError(t, r.HistoryChart(ctx, "pets", MetricLoss, &buf))
	require.Contains(t, buf.String(), "<svg")

	require.ErrorIs(t, r.HistoryChart(ctx, "fresh", MetricLoss, &buf), inference.ErrNotTrained)
	require.ErrorIs(t, r.HistoryChart(ctx, "ghost", MetricLoss, &buf), project.ErrProjectNotFound)
}
