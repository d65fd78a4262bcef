// Package fsstore persists project records as YAML files next to the
// project's dataset and model directories.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/keylock"
	"gopkg.in/yaml.v3"
)

const (
	trashPrefix = ".trash-"
	tmpPrefix   = ".tmp-"
)

// Store implements project.Repository on the local filesystem.
type Store struct {
	layout project.Layout
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// New opens a store rooted at root, creating it if needed and removing
// leftovers of interrupted creates and deletes.
func New(root string, locks *keylock.Map, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if locks == nil {
		locks = keylock.New()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	s := &Store{
		layout: project.Layout{Root: root},
		locks:  locks,
		logger: logger,
		now:    time.Now,
	}
	s.sweep()
	return s, nil
}

// Layout returns the path layout used by the store.
func (s *Store) Layout() project.Layout {
	return s.layout
}

func (s *Store) sweep() {
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), trashPrefix) || strings.HasPrefix(e.Name(), tmpPrefix) {
			p := filepath.Join(s.layout.Root, e.Name())
			if err := os.RemoveAll(p); err != nil {
				s.logger.Warn("failed to remove leftover directory", "path", p, "error", err)
			}
		}
	}
}

// Create persists a new project together with its dataset and models directories.
func (s *Store) Create(ctx context.Context, proj *project.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := proj.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(proj.Name)
	defer unlock()

	dir := s.layout.ProjectDir(proj.Name)
	if _, err := os.Stat(dir); err == nil {
		return project.ErrAlreadyExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat project dir: %w", err)
	}

	// Assemble the whole tree aside and move it into place in one rename.
	tmp := filepath.Join(s.layout.Root, tmpPrefix+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(tmp, project.DatasetDir), 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, project.ModelsDir), 0o755); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("create models dir: %w", err)
	}
	if err := writeRecord(tmp, proj); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		if _, statErr := os.Stat(dir); statErr == nil {
			return project.ErrAlreadyExists
		}
		return fmt.Errorf("move project into place: %w", err)
	}
	return nil
}

// Get reads a project record.
func (s *Store) Get(ctx context.Context, name string) (*project.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(name)
}

// List returns every project whose record can be read. Unreadable records
// are logged and skipped.
func (s *Store) List(ctx context.Context) ([]project.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}

	projects := make([]project.Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		proj, err := s.read(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable project", "project", e.Name(), "error", err)
			continue
		}
		projects = append(projects, *proj)
	}
	return projects, nil
}

// Update applies fn to the current record under the project's lock and
// atomically replaces the persisted record with the result. Nothing is
// written when fn fails.
func (s *Store) Update(ctx context.Context, name string, fn func(*project.Project) error) (*project.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	current, err := s.read(name)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Name = current.Name
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to persist record: %w", err)
	}
	if err := writeRecord(s.layout.ProjectDir(name), next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// View runs fn on a copy of the record while holding the project's lock.
func (s *Store) View(ctx context.Context, name string, fn func(*project.Project) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	current, err := s.read(name)
	if err != nil {
		return err
	}
	return fn(current)
}

// Delete removes all persisted state of a project. The project directory is
// first renamed out of the namespace, so readers never observe a partially
// removed project.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	dir := s.layout.ProjectDir(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return project.ErrProjectNotFound
		}
		return fmt.Errorf("stat project dir: %w", err)
	}

	trash := filepath.Join(s.layout.Root, trashPrefix+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		return fmt.Errorf("detach project dir: %w", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		// Detached already; the next startup sweep finishes the job.
		s.logger.Warn("failed to remove deleted project", "project", name, "path", trash, "error", err)
	}
	return nil
}

func (s *Store) read(name string) (*project.Project, error) {
	if err := project.ValidateName(name); err != nil {
		return nil, project.ErrProjectNotFound
	}
	data, err := os.ReadFile(s.layout.RecordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, project.ErrProjectNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var proj project.Project
	if err := yaml.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("%w: %v", project.ErrCorruptRecord, err)
	}
	if proj.Name != name {
		return nil, fmt.Errorf("%w: record name %q in directory %q", project.ErrCorruptRecord, proj.Name, name)
	}
	if proj.Classes == nil {
		proj.Classes = []string{}
	}
	if proj.ClassCounts == nil {
		proj.ClassCounts = map[string]int{}
	}
	if proj.TrainingHistory == nil {
		proj.TrainingHistory = []project.EpochStats{}
	}
	if err := proj.Validate(); err != nil {
		return nil, err
	}

	// trained is only true while the artifact is actually there.
	if proj.Trained {
		if _, err := os.Stat(proj.ModelPath); err != nil {
			proj.Trained = false
		}
	}
	return &proj, nil
}

func writeRecord(dir string, proj *project.Project) error {
	data, err := yaml.Marshal(proj)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+project.RecordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, project.RecordFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}
