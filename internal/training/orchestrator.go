package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
)

// StagingPrefix names the per-job output directory inside a project's
// models directory.
const StagingPrefix = ".staging-"

const (
	maxEpochs    = 10_000
	maxBatchSize = 65_536
	maxImageSize = 512
)

var (
	errCancelled = errors.New("job cancelled")
	errTimeout   = errors.New("job timed out")
	errShutdown  = errors.New("orchestrator shutting down")
)

// Options configures an Orchestrator.
type Options struct {
	Runner   Runner
	Jobs     JobRepository
	Activity project.ActivityLogger
	Logger   *slog.Logger
	// Timeout bounds each job; zero means no limit.
	Timeout  time.Duration
	Defaults trainer.Params
}

// run is the in-memory handle of a job that has not finished.
type run struct {
	mu      sync.Mutex
	job     Job
	merging bool
	changed chan struct{}
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func (r *run) snapshot() (Job, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.clone(), r.changed
}

// update applies fn to the job and wakes every watcher.
func (r *run) update(fn func(*Job)) Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
	close(r.changed)
	r.changed = make(chan struct{})
	return r.job.clone()
}

// Orchestrator runs at most one training job per project and merges each
// successful result into the project record exactly once.
type Orchestrator struct {
	store    project.Repository
	layout   project.Layout
	runner   Runner
	jobs     JobRepository
	activity project.ActivityLogger
	logger   *slog.Logger
	timeout  time.Duration
	defaults trainer.Params
	now      func() time.Time

	base     context.Context
	stop     context.CancelCauseFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	active   map[string]*run // by project
	runs     map[string]*run // by job id
	shutdown bool
}

// NewOrchestrator creates an orchestrator over store.
func NewOrchestrator(store project.Repository, layout project.Layout, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = NewMemoryJobs()
	}
	defaults := opts.Defaults
	if defaults == (trainer.Params{}) {
		defaults = trainer.Params{Epochs: 10, BatchSize: 32, LearningRate: 0.001, ImageSize: 32}
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:    store,
		layout:   layout,
		runner:   opts.Runner,
		jobs:     jobs,
		activity: opts.Activity,
		logger:   logger,
		timeout:  opts.Timeout,
		defaults: defaults,
		now:      time.Now,
		base:     base,
		stop:     stop,
		active:   make(map[string]*run),
		runs:     make(map[string]*run),
	}
}

// DefaultParams returns the hyperparameters used where a caller gives none.
func (o *Orchestrator) DefaultParams() trainer.Params {
	return o.defaults
}

// ValidateParams checks that every hyperparameter is positive and bounded.
func ValidateParams(p trainer.Params) error {
	switch {
	case p.Epochs <= 0 || p.Epochs > maxEpochs:
		return fmt.Errorf("%w: epochs must be between 1 and %d", ErrInvalidParameter, maxEpochs)
	case p.BatchSize <= 0 || p.BatchSize > maxBatchSize:
		return fmt.Errorf("%w: batch_size must be between 1 and %d", ErrInvalidParameter, maxBatchSize)
	case !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0):
		return fmt.Errorf("%w: learning_rate must be a positive number", ErrInvalidParameter)
	case p.ImageSize <= 0 || p.ImageSize > maxImageSize:
		return fmt.Errorf("%w: image_size must be between 1 and %d", ErrInvalidParameter, maxImageSize)
	}
	return nil
}

// Start launches a training job for the named project and returns without
// waiting for it. The empty-dataset and already-running checks run under
// the project's store lock, so concurrent starts admit exactly one job.
func (o *Orchestrator) Start(ctx context.Context, name string, params trainer.Params) (*Job, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(o.base)
	var r *run
	err := o.store.View(ctx, name, func(p *project.Project) error {
		if p.Empty() {
			return fmt.Errorf("%w: project %s needs at least one class and an image in every class", ErrDatasetEmpty, name)
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.shutdown {
			return errShutdown
		}
		if cur, ok := o.active[name]; ok {
			return fmt.Errorf("%w: job %s", ErrAlreadyRunning, cur.job.ID)
		}
		r = &run{
			job: Job{
				ID:        uuid.NewString(),
				Project:   name,
				State:     StateRunning,
				Runner:    o.runner.Name(),
				Params:    params,
				History:   []project.EpochStats{},
				StartedAt: o.now().UTC(),
			},
			changed: make(chan struct{}),
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		o.active[name] = r
		o.runs[r.job.ID] = r
		o.wg.Add(1)
		return nil
	})
	if err != nil {
		cancel(nil)
		return nil, err
	}

	job := r.job.clone()
	if err := o.jobs.Save(ctx, &job); err != nil {
		cancel(nil)
		o.release(r)
		close(r.done)
		o.wg.Done()
		return nil, fmt.Errorf("saving job: %w", err)
	}

	go o.execute(runCtx, r)

	o.logger.Info("training started", "project", name, "job_id", job.ID, "epochs", params.Epochs)
	o.log(context.WithoutCancel(ctx), name, job.ID, activity.TypeTrainingStarted,
		fmt.Sprintf("training started (%d epochs)", params.Epochs), params)
	return &job, nil
}

// Status returns the current view of a job.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Job, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		job, _ := r.snapshot()
		return &job, nil
	}
	return o.jobs.Get(ctx, id)
}

// Watch returns the job and a channel that is closed at its next change.
// The channel is nil once the job has finished.
func (o *Orchestrator) Watch(ctx context.Context, id string) (*Job, <-chan struct{}, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		job, changed := r.snapshot()
		if job.Terminal() {
			changed = nil
		}
		return &job, changed, nil
	}
	job, err := o.jobs.Get(ctx, id)
	return job, nil, err
}

// ActiveJob returns the running job of a project, if any.
func (o *Orchestrator) ActiveJob(name string) (*Job, bool) {
	o.mu.Lock()
	r, ok := o.active[name]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	job, _ := r.snapshot()
	return &job, true
}

// ListJobs returns the jobs of a project, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, name string, limit int) ([]Job, error) {
	jobs, err := o.jobs.List(ctx, ListJobsOptions{Project: name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range jobs {
		if r, ok := o.runs[jobs[i].ID]; ok {
			jobs[i], _ = r.snapshot()
		}
	}
	return jobs, nil
}

// Cancel stops a running job. The job ends failed with reason cancelled and
// the project record is left as it was.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Job, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		if _, err := o.jobs.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}

	r.mu.Lock()
	if r.merging || r.job.Terminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}
	r.cancel(errCancelled)
	r.mu.Unlock()

	return o.Wait(ctx, id)
}

// Wait blocks until the job finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Job, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.jobs.Get(ctx, id)
}

// BeforeProjectDelete cancels the project's running job and waits for it,
// so nothing writes into the project while it is removed.
func (o *Orchestrator) BeforeProjectDelete(ctx context.Context, name string) error {
	o.mu.Lock()
	r, ok := o.active[name]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	if !r.merging && !r.job.Terminal() {
		r.cancel(errCancelled)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover fails jobs a previous process left running and removes their
// staging directories.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running := StateRunning
	stale, err := o.jobs.List(ctx, ListJobsOptions{State: &running})
	if err != nil {
		return fmt.Errorf("listing stale jobs: %w", err)
	}
	for i := range stale {
		job := &stale[i]
		o.mu.Lock()
		_, live := o.runs[job.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		now := o.now().UTC()
		job.State = StateFailed
		job.Reason = ReasonInterrupted
		job.Error = "server stopped while the job was running"
		job.FinishedAt = &now
		if err := o.jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("failing stale job %s: %w", job.ID, err)
		}
		o.logger.Warn("marked interrupted job failed", "project", job.Project, "job_id", job.ID)
	}

	projects, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	for _, p := range projects {
		if _, busy := o.ActiveJob(p.Name); busy {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(o.layout.ModelsDir(p.Name), StagingPrefix+"*"))
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				o.logger.Warn("failed to remove staging dir", "path", m, "error", err)
			}
		}
	}
	return nil
}

// Shutdown interrupts every running job and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()
	o.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel(nil)

	job, _ := r.snapshot()
	name := job.Project
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, errTimeout)
		defer cancel()
	}

	staging := filepath.Join(o.layout.ModelsDir(name), StagingPrefix+job.ID)
	defer os.RemoveAll(staging)

	res, err := o.train(ctx, r, staging)
	if err == nil {
		r.mu.Lock()
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			r.merging = true
		}
		r.mu.Unlock()
	}
	if err == nil {
		err = o.merge(context.WithoutCancel(ctx), name, job.Params, res)
	}

	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		reason := failureReason(ctx)
		now := o.now().UTC()
		final, _ := r.snapshot()
		final.State = StateFailed
		final.Reason = reason
		final.Error = err.Error()
		final.FinishedAt = &now
		o.logger.Warn("training failed", "project", name, "job_id", final.ID, "state", final.State, "reason", reason, "error", err)
		o.finish(persistCtx, r, final, activity.TypeTrainingFailed,
			fmt.Sprintf("training failed (%s)", reason), map[string]string{"reason": reason, "error": final.Error})
		return
	}

	now := o.now().UTC()
	final, _ := r.snapshot()
	final.State = StateSucceeded
	final.History = slices.Clone(res.History)
	final.FinishedAt = &now
	last := res.History[len(res.History)-1]
	o.logger.Info("training succeeded", "project", name, "job_id", final.ID, "state", final.State, "loss", last.Loss, "accuracy", last.Accuracy)
	o.finish(persistCtx, r, final, activity.TypeTrainingSucceeded,
		fmt.Sprintf("training succeeded (accuracy %.1f%%)", last.Accuracy), last)
}

// finish records the terminal job and its activity, frees the project for
// the next job and only then wakes watchers, so anyone who sees the final
// state can start again right away.
func (o *Orchestrator) finish(ctx context.Context, r *run, final Job, typ activity.ActivityType, summary string, details any) {
	o.persist(ctx, &final)
	o.log(ctx, final.Project, final.ID, typ, summary, details)
	o.release(r)
	r.update(func(j *Job) {
		j.State = final.State
		j.Reason = final.Reason
		j.Error = final.Error
		j.FinishedAt = final.FinishedAt
		if final.State == StateSucceeded {
			j.History = final.History
		}
	})
}

// train runs the trainer and checks its result before anything is merged.
func (o *Orchestrator) train(ctx context.Context, r *run, staging string) (*trainer.Result, error) {
	job, _ := r.snapshot()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %v", ErrTrainingFailed, err)
	}

	progress := func(s project.EpochStats) {
		updated := r.update(func(j *Job) { j.History = append(j.History, s) })
		o.persist(context.WithoutCancel(ctx), &updated)
		o.logger.Debug("epoch finished", "project", job.Project, "job_id", job.ID, "epoch", s.Epoch, "loss", s.Loss, "accuracy", s.Accuracy)
	}
	res, err := o.runner.Run(ctx, o.layout.DatasetDir(job.Project), staging, job.Params, progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, context.Cause(ctx))
		}
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	switch {
	case len(res.Classes) == 0:
		return nil, fmt.Errorf("%w: trainer reported no classes", ErrTrainingFailed)
	case len(res.History) != job.Params.Epochs:
		return nil, fmt.Errorf("%w: trainer reported %d epochs, %d requested", ErrTrainingFailed, len(res.History), job.Params.Epochs)
	}
	for _, s := range res.History {
		if math.IsNaN(s.Loss) || math.IsInf(s.Loss, 0) || math.IsNaN(s.Accuracy) || math.IsInf(s.Accuracy, 0) {
			return nil, fmt.Errorf("%w: non-finite stats at epoch %d", ErrTrainingFailed, s.Epoch)
		}
	}
	rel, err := filepath.Rel(staging, res.ArtifactPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: artifact %s is outside the job output", ErrTrainingFailed, res.ArtifactPath)
	}
	if _, err := os.Stat(res.ArtifactPath); err != nil {
		return nil, fmt.Errorf("%w: artifact missing: %v", ErrTrainingFailed, err)
	}
	return res, nil
}

// merge records the run on the project and installs its artifact and
// class labels. The dataset is rescanned so classes keep matching the tree.
// Files are swapped in only after every other step has succeeded and are
// swapped back if the record cannot be written, so a failed merge leaves
// the served model untouched.
func (o *Orchestrator) merge(ctx context.Context, name string, params trainer.Params, res *trainer.Result) error {
	labels, err := json.Marshal(res.Classes)
	if err != nil {
		return fmt.Errorf("%w: encode class labels: %v", ErrTrainingFailed, err)
	}
	stagedLabels := filepath.Join(filepath.Dir(res.ArtifactPath), project.ClassLabelsFile)
	if err := os.WriteFile(stagedLabels, labels, 0o644); err != nil {
		return fmt.Errorf("%w: write class labels: %v", ErrTrainingFailed, err)
	}

	var installed *fileSwap
	_, err = o.store.Update(ctx, name, func(p *project.Project) error {
		counts, err := dataset.Scan(ctx, o.layout.DatasetDir(name))
		if err != nil {
			return err
		}
		p.SetClasses(counts)
		if !slices.Equal(p.Classes, res.Classes) {
			o.logger.Warn("dataset changed during training", "project", name,
				"trained_classes", res.Classes, "current_classes", p.Classes)
		}
		p.Trained = true
		p.ModelPath = o.layout.ModelPath(name)
		p.TrainingHistory = slices.Clone(res.History)
		p.TrainingParams = &project.TrainingParams{
			Epochs:       params.Epochs,
			BatchSize:    params.BatchSize,
			LearningRate: params.LearningRate,
		}

		installed, err = swapIn(
			[2]string{res.ArtifactPath, o.layout.ModelPath(name)},
			[2]string{stagedLabels, o.layout.ClassLabelsPath(name)},
		)
		if err != nil {
			return fmt.Errorf("install artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		if installed != nil {
			installed.undo()
		}
		return fmt.Errorf("%w: merge result: %v", ErrTrainingFailed, err)
	}
	installed.commit()
	return nil
}

// backupSuffix marks the file a swap replaced until the swap is committed
// or undone.
const backupSuffix = ".prev"

// fileSwap is a set of files renamed over their targets, with the
// replaced files kept aside.
type fileSwap struct {
	done []string
}

// swapIn renames each {src, dst} pair in order. On error every pair already
// moved is put back.
func swapIn(pairs ...[2]string) (*fileSwap, error) {
	sw := &fileSwap{}
	for _, pair := range pairs {
		src, dst := pair[0], pair[1]
		backup := dst + backupSuffix
		_ = os.Remove(backup)
		if err := os.Rename(dst, backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
			sw.undo()
			return nil, err
		}
		if err := os.Rename(src, dst); err != nil {
			_ = os.Rename(backup, dst)
			sw.undo()
			return nil, err
		}
		sw.done = append(sw.done, dst)
	}
	return sw, nil
}

func (sw *fileSwap) undo() {
	for i := len(sw.done) - 1; i >= 0; i-- {
		dst := sw.done[i]
		if err := os.Rename(dst+backupSuffix, dst); errors.Is(err, fs.ErrNotExist) {
			_ = os.Remove(dst)
		}
	}
	sw.done = nil
}

func (sw *fileSwap) commit() {
	for _, dst := range sw.done {
		_ = os.Remove(dst + backupSuffix)
	}
	sw.done = nil
}

func (o *Orchestrator) release(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[r.job.Project] == r {
		delete(o.active, r.job.Project)
	}
	delete(o.runs, r.job.ID)
}

func (o *Orchestrator) persist(ctx context.Context, job *Job) {
	if err := o.jobs.Save(ctx, job); err != nil {
		o.logger.Warn("failed to persist job", "project", job.Project, "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) log(ctx context.Context, name, jobID string, typ activity.ActivityType, summary string, details any) {
	if o.activity == nil {
		return
	}
	if err := o.activity.LogActivity(ctx, &activity.ActivityEntry{
		Project:      name,
		JobID:        &jobID,
		ActivityType: typ,
		Summary:      summary,
		Details:      activity.EncodeDetails(details),
	}); err != nil {
		o.logger.Warn("failed to log activity", "project", name, "job_id", jobID, "error", err)
	}
}

func failureReason(ctx context.Context) string {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		return ReasonCancelled
	case errors.Is(cause, errTimeout):
		return ReasonTimeout
	case errors.Is(cause, errShutdown):
		return ReasonInterrupted
	default:
		return ReasonError
	}
}
