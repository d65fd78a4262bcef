package mocks

import (
	"context"

	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/stretchr/testify/mock"
)

// ProjectRepository is a mock for project.Repository.
type ProjectRepository struct {
	mock.Mock
}

func (m *ProjectRepository) Create(ctx context.Context, proj *project.Project) error {
	args := m.Called(ctx, proj)
	return args.Error(0)
}

func (m *ProjectRepository) Get(ctx context.Context, name string) (*project.Project, error) {
	args := m.Called(ctx, name)
	if proj, ok := args.Get(0).(*project.Project); ok {
		return proj, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) List(ctx context.Context) ([]project.Project, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.Project); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// Update hands fn a copy of the project given to Return and returns the
// mutated copy.
func (m *ProjectRepository) Update(ctx context.Context, name string, fn func(*project.Project) error) (*project.Project, error) {
	args := m.Called(ctx, name)
	proj, ok := args.Get(0).(*project.Project)
	if !ok || args.Error(1) != nil {
		return nil, args.Error(1)
	}
	next := proj.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *ProjectRepository) View(ctx context.Context, name string, fn func(*project.Project) error) error {
	args := m.Called(ctx, name)
	proj, ok := args.Get(0).(*project.Project)
	if !ok || args.Error(1) != nil {
		return args.Error(1)
	}
	return fn(proj.Clone())
}

func (m *ProjectRepository) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// ActivityLogger is a mock for project.ActivityLogger.
type ActivityLogger struct {
	mock.Mock
}

func (m *ActivityLogger) LogActivity(ctx context.Context, entry *activity.ActivityEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.ActivityEntry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// JobRepository is a mock for training.JobRepository.
type JobRepository struct {
	mock.Mock
}

func (m *JobRepository) Save(ctx context.Context, job *training.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *JobRepository) Get(ctx context.Context, id string) (*training.Job, error) {
	args := m.Called(ctx, id)
	if job, ok := args.Get(0).(*training.Job); ok {
		return job, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *JobRepository) List(ctx context.Context, opts training.ListJobsOptions) ([]training.Job, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]training.Job); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}
