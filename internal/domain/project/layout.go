package project

import "path/filepath"

const (
	RecordFile      = "project.yaml"
	DatasetDir      = "dataset"
	ModelsDir       = "models"
	ModelFile       = "model.gob"
	ClassLabelsFile = "class_labels.json"
)

// Layout resolves the on-disk locations of a project's state.
type Layout struct {
	Root string
}

func (l Layout) ProjectDir(name string) string {
	return filepath.Join(l.Root, name)
}

func (l Layout) RecordPath(name string) string {
	return filepath.Join(l.Root, name, RecordFile)
}

func (l Layout) DatasetDir(name string) string {
	return filepath.Join(l.Root, name, DatasetDir)
}

func (l Layout) ModelsDir(name string) string {
	return filepath.Join(l.Root, name, ModelsDir)
}

func (l Layout) ModelPath(name string) string {
	return filepath.Join(l.Root, name, ModelsDir, ModelFile)
}

func (l Layout) ClassLabelsPath(name string) string {
	return filepath.Join(l.Root, name, ModelsDir, ClassLabelsFile)
}
