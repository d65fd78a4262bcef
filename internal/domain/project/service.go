package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rpggio/imgclass/internal/domain/activity"
)

// Service handles project operations.
type Service struct {
	repo     Repository
	activity ActivityLogger
	hooks    []DeleteHook
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new project service.
func NewService(repo Repository, activityLog ActivityLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{repo: repo, activity: activityLog, logger: logger, now: time.Now}
}

// AddDeleteHook registers h to run before any project is deleted.
func (s *Service) AddDeleteHook(h DeleteHook) {
	s.hooks = append(s.hooks, h)
}

// CreateRequest defines project creation inputs.
type CreateRequest struct {
	Name        string
	Description string
}

// Create creates a new, empty project.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Project, error) {
	name := strings.TrimSpace(req.Name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	proj := New(name, req.Description, s.now().UTC())
	if err := s.repo.Create(ctx, proj); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("creating project: %w", err)
	}

	s.logger.Info("project created", "project", name)
	s.log(ctx, name, activity.TypeProjectCreated, fmt.Sprintf("created project %s", name), "")
	return proj, nil
}

// Get fetches a project by name.
func (s *Service) Get(ctx context.Context, name string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, ErrProjectNotFound
	}
	proj, err := s.repo.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return proj, nil
}

// List returns all readable projects, newest first.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	projects, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.After(projects[j].CreatedAt)
		}
		return projects[i].Name < projects[j].Name
	})
	return projects, nil
}

// Delete removes a project and everything persisted for it.
func (s *Service) Delete(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	for _, h := range s.hooks {
		if err := h.BeforeProjectDelete(ctx, name); err != nil {
			return fmt.Errorf("preparing delete: %w", err)
		}
	}
	if err := s.repo.Delete(ctx, name); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return err
		}
		return fmt.Errorf("deleting project: %w", err)
	}

	s.logger.Info("project deleted", "project", name)
	s.log(ctx, name, activity.TypeProjectDeleted, fmt.Sprintf("deleted project %s", name), "")
	return nil
}

func (s *Service) log(ctx context.Context, name string, typ activity.ActivityType, summary, details string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.LogActivity(ctx, &activity.ActivityEntry{
		Project:      name,
		ActivityType: typ,
		Summary:      summary,
		Details:      details,
	}); err != nil {
		s.logger.Warn("failed to log activity", "project", name, "type", typ, "error", err)
	}
}
