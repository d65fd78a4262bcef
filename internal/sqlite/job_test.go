package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/stretchr/testify/require"
)

func TestJobRepository_SaveGetUpdate(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(db)

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	job := &training.Job{
		ID:        "job-1",
		Project:   "pets",
		State:     training.StateRunning,
		Runner:    "exec",
		Params:    trainer.Params{Epochs: 2, BatchSize: 8, LearningRate: 0.01, ImageSize: 32},
		StartedAt: started,
	}
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, training.StateRunning, got.State)
	require.Equal(t, job.Params, got.Params)
	require.Empty(t, got.History)
	require.Nil(t, got.FinishedAt)
	require.True(t, started.Equal(got.StartedAt))

	finished := started.Add(time.Minute)
	job.State = training.StateFailed
	job.Reason = training.ReasonCancelled
	job.Error = "job cancelled"
	job.History = []project.EpochStats{{Epoch: 1, Loss: 0.7, Accuracy: 55}}
	job.FinishedAt = &finished
	require.NoError(t, repo.Save(ctx, job))

	got, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, training.StateFailed, got.State)
	require.Equal(t, training.ReasonCancelled, got.Reason)
	require.Equal(t, job.History, got.History)
	require.NotNil(t, got.FinishedAt)
	require.True(t, finished.Equal(*got.FinishedAt))

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, training.ErrJobNotFound)
}

func TestJobRepository_List(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(db)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		id, project string
		state       training.State
	}{
		{"a", "pets", training.StateSucceeded},
		{"b", "pets", training.StateRunning},
		{"c", "birds", training.StateRunning},
	} {
		require.NoError(t, repo.Save(ctx, &training.Job{
			ID: spec.id, Project: spec.project, State: spec.state, Runner: "exec",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	jobs, err := repo.List(ctx, training.ListJobsOptions{Project: "pets"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "b", jobs[0].ID)
	require.Equal(t, "a", jobs[1].ID)

	running := training.StateRunning
	jobs, err = repo.List(ctx, training.ListJobsOptions{State: &running})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = repo.List(ctx, training.ListJobsOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "c", jobs[0].ID)
}
