// Package training launches and tracks asynchronous training jobs and
// merges their results into project records.
package training

import (
	"context"
	"errors"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
)

var (
	ErrDatasetEmpty     = errors.New("dataset is empty")
	ErrAlreadyRunning   = errors.New("training already running")
	ErrTrainingFailed   = errors.New("training failed")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotRunning    = errors.New("job is not running")
)

// State is the lifecycle state of a job.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Failure reasons.
const (
	ReasonError       = "error"
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "timeout"
	ReasonInterrupted = "interrupted"
)

// Job is one asynchronous training run for a project.
type Job struct {
	ID         string               `json:"id"`
	Project    string               `json:"project"`
	State      State                `json:"state"`
	Reason     string               `json:"reason,omitempty"`
	Error      string               `json:"error,omitempty"`
	Runner     string               `json:"runner"`
	Params     trainer.Params       `json:"params"`
	History    []project.EpochStats `json:"history"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}

func (j Job) clone() Job {
	j.History = append([]project.EpochStats(nil), j.History...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}

// ListJobsOptions filters job listings.
type ListJobsOptions struct {
	Project string
	State   *State
	Limit   int
	Offset  int
}

// JobRepository persists job history.
type JobRepository interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListJobsOptions) ([]Job, error)
}
