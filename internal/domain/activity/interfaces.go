package activity

import (
	"context"
	"errors"
)

// ErrInvalidInput indicates an activity entry that cannot be logged.
var ErrInvalidInput = errors.New("invalid activity input")

// Repository provides persistence operations for activity entries.
type Repository interface {
	Log(ctx context.Context, entry *ActivityEntry) error
	List(ctx context.Context, opts ListActivityOptions) ([]ActivityEntry, error)
}
