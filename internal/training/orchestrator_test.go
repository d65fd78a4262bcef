package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/fsstore"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = trainer.Params{Epochs: 3, BatchSize: 2, LearningRate: 0.01, ImageSize: 8}

// fakeRunner writes a placeholder artifact and reports one stats entry per
// epoch. With block set it waits for block to close or ctx to end.
type fakeRunner struct {
	block    chan struct{}
	fail     error
	calls    atomic.Int32
	weights  string
	started  chan struct{}
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context, datasetRoot, outDir string, p trainer.Params, progress trainer.ProgressFunc) (*trainer.Result, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	var history []project.EpochStats
	for i := 1; i <= p.Epochs; i++ {
		s := project.EpochStats{Epoch: i, Loss: 1 / float64(i), Accuracy: 50 + float64(i)}
		history = append(history, s)
		progress(s)
	}
	artifact := filepath.Join(outDir, trainer.ArtifactFile)
	weights := f.weights
	if weights == "" {
		weights = "weights"
	}
	if err := os.WriteFile(artifact, []byte(weights), 0o644); err != nil {
		return nil, err
	}
	return &trainer.Result{Classes: []string{"cat", "dog"}, History: history, ArtifactPath: artifact}, nil
}

func newFixture(t *testing.T, runner Runner, opts Options) (*Orchestrator, *fsstore.Store) {
	t.Helper()
	store, err := fsstore.New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	opts.Runner = runner
	orch := NewOrchestrator(store, store.Layout(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch, store
}

// seedProject creates a project whose dataset holds the given images per class.
func seedProject(t *testing.T, store *fsstore.Store, name string, counts map[string]int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, project.New(name, "", time.Now().UTC())))
	for class, n := range counts {
		dir := filepath.Join(store.Layout().DatasetDir(name), class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".png"), []byte("png"), 0o644))
		}
	}
	_, err := store.Update(ctx, name, func(p *project.Project) error {
		p.SetClasses(counts)
		return nil
	})
	require.NoError(t, err)
}

func waitDone(t *testing.T, orch *Orchestrator, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := orch.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestOrchestrator_SuccessMergesIntoProject(t *testing.T) {
	ctx := context.Background()
	orch, store := newFixture(t, &fakeRunner{}, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 2})
	before, err := store.Get(ctx, "pets")
	require.NoError(t, err)

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	require.Equal(t, StateRunning, job.State)
	require.Equal(t, "pets", job.Project)

	done := waitDone(t, orch, job.ID)
	require.Equal(t, StateSucceeded, done.State)
	require.Len(t, done.History, params.Epochs)
	require.NotNil(t, done.FinishedAt)

	// repeated polling never merges twice
	for i := 0; i < 3; i++ {
		got, err := orch.Status(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, StateSucceeded, got.State)
	}

	p, err := store.Get(ctx, "pets")
	require.NoError(t, err)
	require.True(t, p.Trained)
	require.Equal(t, store.Layout().ModelPath("pets"), p.ModelPath)
	require.Len(t, p.TrainingHistory, params.Epochs)
	require.Equal(t, &project.TrainingParams{Epochs: 3, BatchSize: 2, LearningRate: 0.01}, p.TrainingParams)
	require.Equal(t, []string{"cat", "dog"}, p.Classes)
	require.Equal(t, before.Version+1, p.Version)
	require.FileExists(t, store.Layout().ClassLabelsPath("pets"))

	staging, _ := filepath.Glob(filepath.Join(store.Layout().ModelsDir("pets"), StagingPrefix+"*"))
	require.Empty(t, staging)
}

func TestOrchestrator_StartValidation(t *testing.T) {
	ctx := context.Background()
	orch, store := newFixture(t, &fakeRunner{}, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1})
	seedProject(t, store, "holes", map[string]int{"cat": 1, "dog": 0})
	require.NoError(t, store.Create(ctx, project.New("empty", "", time.Now())))

	bad := []trainer.Params{
		{Epochs: 0, BatchSize: 1, LearningRate: 0.1, ImageSize: 8},
		{Epochs: 1, BatchSize: -1, LearningRate: 0.1, ImageSize: 8},
		{Epochs: 1, BatchSize: 1, LearningRate: 0, ImageSize: 8},
		{Epochs: 1, BatchSize: 1, LearningRate: 0.1, ImageSize: 0},
	}
	for _, p := range bad {
		_, err := orch.Start(ctx, "pets", p)
		require.ErrorIs(t, err, ErrInvalidParameter, "%+v", p)
	}

	_, err := orch.Start(ctx, "ghost", params)
	require.ErrorIs(t, err, project.ErrProjectNotFound)

	_, err = orch.Start(ctx, "empty", params)
	require.ErrorIs(t, err, ErrDatasetEmpty)

	_, err = orch.Start(ctx, "holes", params)
	require.ErrorIs(t, err, ErrDatasetEmpty)
}

func TestOrchestrator_ConcurrentStartAdmitsOne(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{block: make(chan struct{})}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 1})

	const callers = 8
	var (
		wg       sync.WaitGroup
		started  atomic.Int32
		rejected atomic.Int32
		jobID    atomic.Value
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := orch.Start(ctx, "pets", params)
			switch {
			case err == nil:
				started.Add(1)
				jobID.Store(job.ID)
			case errors.Is(err, ErrAlreadyRunning):
				rejected.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, started.Load())
	require.EqualValues(t, callers-1, rejected.Load())

	active, ok := orch.ActiveJob("pets")
	require.True(t, ok)
	require.Equal(t, jobID.Load(), active.ID)

	close(runner.block)
	require.Equal(t, StateSucceeded, waitDone(t, orch, jobID.Load().(string)).State)

	// the slot frees once the job ends
	_, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
}

func TestOrchestrator_FailedRetrainKeepsModel(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 1})

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	waitDone(t, orch, job.ID)
	trained, err := store.Get(ctx, "pets")
	require.NoError(t, err)

	runner.fail = errors.New("out of memory")
	job, err = orch.Start(ctx, "pets", trainer.Params{Epochs: 5, BatchSize: 4, LearningRate: 0.1, ImageSize: 8})
	require.NoError(t, err)
	failed := waitDone(t, orch, job.ID)
	require.Equal(t, StateFailed, failed.State)
	require.Equal(t, ReasonError, failed.Reason)
	require.Contains(t, failed.Error, "out of memory")

	after, err := store.Get(ctx, "pets")
	require.NoError(t, err)
	require.True(t, after.Trained)
	require.Equal(t, trained.ModelPath, after.ModelPath)
	require.Equal(t, trained.TrainingHistory, after.TrainingHistory)
	require.Equal(t, trained.TrainingParams, after.TrainingParams)
	require.Equal(t, trained.Version, after.Version)
}

func TestOrchestrator_FailedMergeKeepsServedFiles(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 1})
	layout := store.Layout()

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, waitDone(t, orch, job.ID).State)
	trained, err := store.Get(ctx, "pets")
	require.NoError(t, err)
	labels, err := os.ReadFile(layout.ClassLabelsPath("pets"))
	require.NoError(t, err)

	runner.weights = "retrained"
	runner.started = make(chan struct{})
	runner.block = make(chan struct{})
	job, err = orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	<-runner.started

	// a dataset root that cannot be listed makes the rescan fail
	require.NoError(t, os.RemoveAll(layout.DatasetDir("pets")))
	require.NoError(t, os.WriteFile(layout.DatasetDir("pets"), []byte("not a dir"), 0o644))
	close(runner.block)

	failed := waitDone(t, orch, job.ID)
	require.Equal(t, StateFailed, failed.State)

	model, err := os.ReadFile(layout.ModelPath("pets"))
	require.NoError(t, err)
	require.Equal(t, "weights", string(model))
	after, err := os.ReadFile(layout.ClassLabelsPath("pets"))
	require.NoError(t, err)
	require.Equal(t, labels, after)

	record, err := store.Get(ctx, "pets")
	require.NoError(t, err)
	require.Equal(t, trained.Version, record.Version)

	leftovers, _ := filepath.Glob(filepath.Join(layout.ModelsDir("pets"), "*"+backupSuffix))
	require.Empty(t, leftovers)
}

func TestSwapIn_UndoRestoresTargets(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}
	read := func(path string) string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}
	model := write("model.gob", "old")
	newModel := write("new.gob", "new")
	newLabels := write("new.json", `["a"]`)
	labels := filepath.Join(dir, "labels.json")

	sw, err := swapIn([2]string{newModel, model}, [2]string{newLabels, labels})
	require.NoError(t, err)
	require.Equal(t, "new", read(model))
	require.Equal(t, `["a"]`, read(labels))

	sw.undo()
	require.Equal(t, "old", read(model))
	require.NoFileExists(t, labels)
	require.NoFileExists(t, model+backupSuffix)

	_, err = swapIn([2]string{filepath.Join(dir, "missing"), model})
	require.Error(t, err)
	require.Equal(t, "old", read(model))
}

func TestOrchestrator_CancelLeavesRecord(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{block: make(chan struct{})}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 1})
	before, err := store.Get(ctx, "pets")
	require.NoError(t, err)

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)

	cancelled, err := orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, cancelled.State)
	require.Equal(t, ReasonCancelled, cancelled.Reason)

	after, err := store.Get(ctx, "pets")
	require.NoError(t, err)
	require.False(t, after.Trained)
	require.Equal(t, before.Version, after.Version)

	_, err = orch.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, ErrJobNotRunning)
	_, err = orch.Cancel(ctx, "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestOrchestrator_Timeout(t *testing.T) {
	ctx := context.Background()
	orch, store := newFixture(t, &fakeRunner{block: make(chan struct{})}, Options{Timeout: 50 * time.Millisecond})
	seedProject(t, store, "pets", map[string]int{"cat": 1})

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	done := waitDone(t, orch, job.ID)
	require.Equal(t, StateFailed, done.State)
	require.Equal(t, ReasonTimeout, done.Reason)
}

func TestOrchestrator_DeleteHookCancelsJob(t *testing.T) {
	ctx := context.Background()
	orch, store := newFixture(t, &fakeRunner{block: make(chan struct{})}, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1})

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	require.NoError(t, orch.BeforeProjectDelete(ctx, "pets"))

	got, err := orch.Status(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, ReasonCancelled, got.Reason)
	_, running := orch.ActiveJob("pets")
	require.False(t, running)

	require.NoError(t, orch.BeforeProjectDelete(ctx, "idle"))
}

func TestOrchestrator_WatchSignalsProgress(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{block: make(chan struct{})}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1})

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	_, changed, err := orch.Watch(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, changed)

	close(runner.block)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signalled")
	}

	waitDone(t, orch, job.ID)
	final, changed, err := orch.Watch(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, changed)
	require.Equal(t, StateSucceeded, final.State)
}

func TestOrchestrator_RecoverFailsStaleJobs(t *testing.T) {
	ctx := context.Background()
	jobs := NewMemoryJobs()
	orch, store := newFixture(t, &fakeRunner{}, Options{Jobs: jobs})
	seedProject(t, store, "pets", map[string]int{"cat": 1})

	stale := &Job{ID: "old", Project: "pets", State: StateRunning, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, jobs.Save(ctx, stale))
	staging := filepath.Join(store.Layout().ModelsDir("pets"), StagingPrefix+"old")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	require.NoError(t, orch.Recover(ctx))

	got, err := orch.Status(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, ReasonInterrupted, got.Reason)
	require.NoDirExists(t, staging)
}

func TestOrchestrator_ListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	orch, store := newFixture(t, &fakeRunner{}, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1})

	first, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	waitDone(t, orch, first.ID)
	time.Sleep(5 * time.Millisecond)
	second, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	waitDone(t, orch, second.ID)

	jobs, err := orch.ListJobs(ctx, "pets", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, second.ID, jobs[0].ID)
	require.Equal(t, first.ID, jobs[1].ID)
}

func TestOrchestrator_WatchersSeeFinalStateAfterRelease(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{block: make(chan struct{})}
	orch, store := newFixture(t, runner, Options{})
	seedProject(t, store, "pets", map[string]int{"cat": 1, "dog": 1})

	job, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	_, changed, err := orch.Watch(ctx, job.ID)
	require.NoError(t, err)
	close(runner.block)

	for changed != nil {
		<-changed
		var cur *Job
		cur, changed, err = orch.Watch(ctx, job.ID)
		require.NoError(t, err)
		job = cur
	}
	require.Equal(t, StateSucceeded, job.State)

	// the project is free as soon as the final state is visible
	_, active := orch.ActiveJob("pets")
	require.False(t, active)
	next, err := orch.Start(ctx, "pets", params)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, waitDone(t, orch, next.ID).State)
}
