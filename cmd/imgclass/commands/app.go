package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rpggio/imgclass/internal/config"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/fsstore"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/keylock"
	"github.com/rpggio/imgclass/internal/report"
	"github.com/rpggio/imgclass/internal/sqlite"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

const shutdownTimeout = 5 * time.Second

// app holds the services every command is built from.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sqlite.DB
	store    *fsstore.Store
	activity *activity.Service
	projects *project.Service
	datasets *dataset.Manager
	orch     *training.Orchestrator
	gateway  *inference.Gateway
	reports  *report.Reporter
	keys     *sqlite.APIKeyRepository
	closeLog func() error
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		if err := os.Setenv("IMGCLASS_CONFIG_PATH", configPath); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

// openApp loads configuration and wires storage, database and services.
// Logs go to logOut unless a log file is configured.
func openApp(logOut io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog := newLogger(cfg.Log.Level, cfg.Log.Path, logOut)

	if err := ensureParentDir(cfg.DB.Path); err != nil {
		closeLog()
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		closeLog()
		return nil, err
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		closeLog()
		return nil, err
	}

	store, err := fsstore.New(cfg.Storage.Root, keylock.New(), logger)
	if err != nil {
		db.Close()
		closeLog()
		return nil, err
	}
	layout := store.Layout()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		db.Close()
		closeLog()
		return nil, err
	}

	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), logger)
	projectSvc := project.NewService(store, activitySvc, logger)
	orch := training.NewOrchestrator(store, layout, training.Options{
		Runner:   runner,
		Jobs:     sqlite.NewJobRepository(db),
		Activity: activitySvc,
		Logger:   logger,
		Timeout:  cfg.Training.Timeout,
		Defaults: trainer.Params{
			Epochs:       cfg.Training.Defaults.Epochs,
			BatchSize:    cfg.Training.Defaults.BatchSize,
			LearningRate: cfg.Training.Defaults.LearningRate,
			ImageSize:    cfg.Training.ImageSize,
		},
	})
	projectSvc.AddDeleteHook(orch)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store,
		activity: activitySvc,
		projects: projectSvc,
		datasets: dataset.NewManager(store, layout, activitySvc, logger),
		orch:     orch,
		gateway: inference.NewGateway(store, layout, trainer.NewLinear(1, logger), orch,
			inference.Policy(cfg.Inference.DuringTraining), logger),
		reports:  report.NewReporter(store),
		keys:     sqlite.NewAPIKeyRepository(db),
		closeLog: closeLog,
	}, nil
}

func newRunner(cfg config.Config, logger *slog.Logger) (training.Runner, error) {
	if cfg.Training.Runner == config.RunnerInProcess {
		return training.InProcessRunner{Trainer: trainer.NewLinear(1, logger)}, nil
	}
	command := cfg.Training.WorkerCommand
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		command = []string{self}
	}
	return training.ExecRunner{Command: command, Logger: logger}, nil
}

// Close stops running jobs and releases the database and log file.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("training shutdown incomplete", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
	_ = a.closeLog()
}
