package dataset

import "errors"

var (
	// ErrInvalidArchive indicates bytes that are not an extractable archive,
	// or an archive with entries that would escape the dataset root.
	ErrInvalidArchive = errors.New("invalid archive")
	// ErrConflictingFile indicates an archive entry that would overwrite an
	// existing file. It is reported per entry and never aborts an ingest.
	ErrConflictingFile = errors.New("conflicting file")
	// ErrUnsupportedType indicates a file that is not a recognized image.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// Issue codes reported for skipped archive entries.
const (
	IssueConflictingFile = "conflicting_file"
	IssueUnsupportedType = "unsupported_type"
	IssueInvalidName     = "invalid_name"
	IssueHidden          = "hidden"
	IssueNoClass         = "no_class"
	IssueNested          = "nested_path"
	IssueTooLarge        = "too_large"
	IssueWriteFailed     = "write_failed"
)

// EntryIssue describes an archive entry that was not ingested.
type EntryIssue struct {
	Entry   string `json:"entry"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
