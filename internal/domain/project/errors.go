package project

import "errors"

var (
	// ErrProjectNotFound indicates the project doesn't exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrAlreadyExists indicates a project with the same name exists.
	ErrAlreadyExists = errors.New("project already exists")
	// ErrInvalidName indicates a name that is empty or unsafe as a path segment.
	ErrInvalidName = errors.New("invalid name")
	// ErrCorruptRecord indicates a persisted record that violates its invariants.
	ErrCorruptRecord = errors.New("corrupt project record")
)
