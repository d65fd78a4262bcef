// Package dataset ingests labelled images into a project's dataset tree and
// keeps the project's class metadata in step with what is on disk.
package dataset

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

	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/imaging"
)

// errUnchanged aborts an update whose result equals the stored record.
var errUnchanged = errors.New("metadata unchanged")

// Result reports the dataset state after an ingest or refresh.
type Result struct {
	Project     *project.Project `json:"-"`
	Classes     []string         `json:"classes"`
	ClassCounts map[string]int   `json:"class_counts"`
	Written     []string         `json:"written,omitempty"`
	Issues      []EntryIssue     `json:"issues,omitempty"`
}

// Manager ingests images and archives into project datasets.
type Manager struct {
	repo     project.Repository
	layout   project.Layout
	activity project.ActivityLogger
	logger   *slog.Logger
}

// NewManager creates a dataset manager over repo, whose dataset trees live
// under layout.
func NewManager(repo project.Repository, layout project.Layout, activityLog project.ActivityLogger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{repo: repo, layout: layout, activity: activityLog, logger: logger}
}

// IngestArchive extracts a zip or tar(.gz) archive into the project's
// dataset. Each top-level directory becomes a class. The archive is
// validated as a whole before anything is written, so an unsafe archive
// leaves the dataset untouched. Entries that cannot be ingested are
// reported in Result.Issues; existing files are never overwritten.
func (m *Manager) IngestArchive(ctx context.Context, name string, data []byte) (*Result, error) {
	entries, err := readArchive(data)
	if err != nil {
		return nil, err
	}
	entries = stripWrapper(entries)

	var written []string
	var issues []EntryIssue
	proj, err := m.repo.Update(ctx, name, func(p *project.Project) error {
		root := m.layout.DatasetDir(name)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create dataset root: %w", err)
		}
		written, issues = extract(root, entries)

		counts, err := Scan(ctx, root)
		if err != nil {
			return err
		}
		p.SetClasses(counts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("archive ingested", "project", name, "written", len(written), "issues", len(issues))
	m.log(ctx, name, fmt.Sprintf("ingested %d images from archive", len(written)), written, issues)
	return newResult(proj, written, issues), nil
}

// IngestImage stores a single image under class. A file of the same name
// in the class is replaced.
func (m *Manager) IngestImage(ctx context.Context, name, class, filename string, data []byte) (*Result, error) {
	file := SanitizeName(filepath.Base(strings.ReplaceAll(filename, "\\", "/")))
	if file == "" {
		return nil, fmt.Errorf("%w: file name %q", project.ErrInvalidName, filename)
	}
	if !imaging.IsImage(file) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(file))
	}
	if _, err := imaging.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: content is not a readable image", ErrUnsupportedType)
	}
	className := SanitizeName(class)
	if className == "" {
		return nil, fmt.Errorf("%w: class name %q", project.ErrInvalidName, class)
	}

	rel := className + "/" + file
	proj, err := m.repo.Update(ctx, name, func(p *project.Project) error {
		root := m.layout.DatasetDir(name)
		dir := filepath.Join(root, className)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create class dir: %w", err)
		}
		if err := replaceFile(filepath.Join(dir, file), data); err != nil {
			return err
		}

		counts, err := Scan(ctx, root)
		if err != nil {
			return err
		}
		p.SetClasses(counts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("image ingested", "project", name, "path", rel)
	m.log(ctx, name, fmt.Sprintf("ingested %s", rel), []string{rel}, nil)
	return newResult(proj, []string{rel}, nil), nil
}

// Refresh recomputes the project's classes and counts from its dataset
// tree. The record is rewritten only when the result differs.
func (m *Manager) Refresh(ctx context.Context, name string) (*Result, error) {
	var current *project.Project
	proj, err := m.repo.Update(ctx, name, func(p *project.Project) error {
		counts, err := Scan(ctx, m.layout.DatasetDir(name))
		if err != nil {
			return err
		}
		if sameCounts(p.ClassCounts, counts) && len(p.Classes) == len(counts) {
			current = p
			return errUnchanged
		}
		p.SetClasses(counts)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return newResult(current, nil, nil), nil
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("dataset metadata refreshed", "project", name, "classes", len(proj.Classes))
	if m.activity != nil {
		if err := m.activity.LogActivity(ctx, &activity.ActivityEntry{
			Project:      name,
			ActivityType: activity.TypeMetadataRefreshed,
			Summary:      fmt.Sprintf("%d classes", len(proj.Classes)),
		}); err != nil {
			m.logger.Warn("failed to log activity", "project", name, "error", err)
		}
	}
	return newResult(proj, nil, nil), nil
}

func (m *Manager) log(ctx context.Context, name, summary string, written []string, issues []EntryIssue) {
	if m.activity == nil {
		return
	}
	if err := m.activity.LogActivity(ctx, &activity.ActivityEntry{
		Project:      name,
		ActivityType: activity.TypeDatasetIngested,
		Summary:      summary,
		Details:      activity.EncodeDetails(map[string]any{"written": len(written), "issues": issues}),
	}); err != nil {
		m.logger.Warn("failed to log activity", "project", name, "error", err)
	}
}

func newResult(p *project.Project, written []string, issues []EntryIssue) *Result {
	return &Result{
		Project:     p,
		Classes:     p.Classes,
		ClassCounts: p.ClassCounts,
		Written:     written,
		Issues:      issues,
	}
}

func sameCounts(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if n, ok := b[k]; !ok || n != v {
			return false
		}
	}
	return true
}

// stripWrapper drops a single directory that wraps every file entry, so
// "photos/cat/1.png" ingests the same as "cat/1.png".
func stripWrapper(entries []entry) []entry {
	wrapper := ""
	files := 0
	for _, e := range entries {
		if e.dir || len(e.parts) == 0 || hidden(e.parts) {
			continue
		}
		files++
		if len(e.parts) < 3 {
			return entries
		}
		if wrapper == "" {
			wrapper = e.parts[0]
		} else if e.parts[0] != wrapper {
			return entries
		}
	}
	if files == 0 {
		return entries
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if len(e.parts) > 0 && e.parts[0] == wrapper {
			e.parts = e.parts[1:]
		}
		out = append(out, e)
	}
	return out
}

func hidden(parts []string) bool {
	for _, p := range parts {
		if strings.HasPrefix(p, ".") || p == "__MACOSX" {
			return true
		}
	}
	return false
}

// extract writes every ingestible entry below root and describes the rest.
func extract(root string, entries []entry) ([]string, []EntryIssue) {
	var (
		written []string
		issues  []EntryIssue
		seen    = make(map[string]bool)
	)
	skip := func(e entry, code, msg string) {
		issues = append(issues, EntryIssue{Entry: e.name, Code: code, Message: msg})
	}

	for _, e := range entries {
		if e.dir || len(e.parts) == 0 {
			continue
		}
		switch {
		case hidden(e.parts):
			skip(e, IssueHidden, "hidden entry skipped")
			continue
		case len(e.parts) == 1:
			skip(e, IssueNoClass, "file is not inside a class directory")
			continue
		case len(e.parts) > 2:
			skip(e, IssueNested, "nested directories are not classes")
			continue
		}

		class, file := SanitizeName(e.parts[0]), SanitizeName(e.parts[1])
		if class == "" || file == "" {
			skip(e, IssueInvalidName, "name is empty after sanitizing")
			continue
		}
		if !imaging.IsImage(file) {
			skip(e, IssueUnsupportedType, "not a recognized image type")
			continue
		}
		if e.size > MaxEntryBytes || e.open == nil {
			skip(e, IssueTooLarge, fmt.Sprintf("larger than %d bytes", MaxEntryBytes))
			continue
		}

		rel := class + "/" + file
		target := filepath.Join(root, class, file)
		if seen[rel] {
			skip(e, IssueConflictingFile, fmt.Sprintf("%s: duplicate entry for %s", ErrConflictingFile, rel))
			continue
		}
		seen[rel] = true

		err := writeEntry(target, e)
		switch {
		case errors.Is(err, fs.ErrExist):
			skip(e, IssueConflictingFile, fmt.Sprintf("%s: %s already exists", ErrConflictingFile, rel))
		case errors.Is(err, errTooLarge):
			skip(e, IssueTooLarge, fmt.Sprintf("larger than %d bytes", MaxEntryBytes))
		case err != nil:
			skip(e, IssueWriteFailed, err.Error())
		default:
			written = append(written, rel)
		}
	}
	return written, issues
}

var errTooLarge = errors.New("entry too large")

// writeEntry creates target exclusively and copies the entry into it.
func writeEntry(target string, e entry) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := e.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(rc, MaxEntryBytes+1))
	if err == nil && n > MaxEntryBytes {
		err = errTooLarge
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
		return err
	}
	return nil
}

// replaceFile writes data to path through a temp file and rename.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store image: %w", err)
	}
	return nil
}
