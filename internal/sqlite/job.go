package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

// JobRepository implements training.JobRepository for SQLite
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Save inserts a job or replaces its stored state
func (r *JobRepository) Save(ctx context.Context, job *training.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	history := job.History
	if history == nil {
		history = []project.EpochStats{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	query := `
		INSERT INTO jobs (id, project, state, reason, error, runner, params, history, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			error = excluded.error,
			history = excluded.history,
			finished_at = excluded.finished_at
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.Project,
		job.State,
		nullable(job.Reason),
		nullable(job.Error),
		job.Runner,
		string(params),
		string(historyJSON),
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*training.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJobs+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, training.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs matching the given filters, newest first
func (r *JobRepository) List(ctx context.Context, opts training.ListJobsOptions) ([]training.Job, error) {
	query := selectJobs
	var (
		args       []any
		conditions []string
	)
	if opts.Project != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, opts.Project)
	}
	if opts.State != nil {
		conditions = append(conditions, "state = ?")
		args = append(args, *opts.State)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	query, args = paginate(query, args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []training.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

const selectJobs = `
	SELECT id, project, state, reason, error, runner, params, history, started_at, finished_at
	FROM jobs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*training.Job, error) {
	var (
		job             training.Job
		reason, errText sql.NullString
		params, history string
		finishedAt      sql.NullTime
	)
	if err := s.Scan(
		&job.ID,
		&job.Project,
		&job.State,
		&reason,
		&errText,
		&job.Runner,
		&params,
		&history,
		&job.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	job.Reason = reason.String
	job.Error = errText.String
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	var p trainer.Params
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	job.Params = p
	job.History = []project.EpochStats{}
	if err := json.Unmarshal([]byte(history), &job.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &job, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
