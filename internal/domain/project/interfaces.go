package project

import (
	"context"

	"github.com/rpggio/imgclass/internal/domain/activity"
)

// Repository provides persistence for projects.
//
// Update and View run fn while holding the project's exclusive lock, so
// read-modify-write sequences on one project never interleave.
type Repository interface {
	Create(ctx context.Context, proj *Project) error
	Get(ctx context.Context, name string) (*Project, error)
	List(ctx context.Context) ([]Project, error)
	Update(ctx context.Context, name string, fn func(*Project) error) (*Project, error)
	View(ctx context.Context, name string, fn func(*Project) error) error
	Delete(ctx context.Context, name string) error
}

// ActivityLogger records project lifecycle events.
type ActivityLogger interface {
	LogActivity(ctx context.Context, entry *activity.ActivityEntry) error
}

// DeleteHook runs before a project's persisted state is removed.
type DeleteHook interface {
	BeforeProjectDelete(ctx context.Context, name string) error
}
