package project

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Project binds a class-partitioned image dataset to a trained model.
type Project struct {
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description" json:"description"`
	CreatedAt       time.Time       `yaml:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `yaml:"updated_at" json:"updated_at"`
	Version         int64           `yaml:"version" json:"version"`
	NumClasses      int             `yaml:"num_classes" json:"num_classes"`
	Classes         []string        `yaml:"classes" json:"classes"`
	ClassCounts     map[string]int  `yaml:"class_counts" json:"class_counts"`
	Trained         bool            `yaml:"trained" json:"trained"`
	ModelPath       string          `yaml:"model_path,omitempty" json:"model_path,omitempty"`
	TrainingHistory []EpochStats    `yaml:"training_history" json:"training_history"`
	TrainingParams  *TrainingParams `yaml:"training_params,omitempty" json:"training_params,omitempty"`
}

// EpochStats is the loss and accuracy (percent) after one training epoch.
type EpochStats struct {
	Epoch    int     `yaml:"epoch" json:"epoch"`
	Loss     float64 `yaml:"loss" json:"loss"`
	Accuracy float64 `yaml:"accuracy" json:"accuracy"`
}

// TrainingParams are the hyperparameters of a training run.
type TrainingParams struct {
	Epochs       int     `yaml:"epochs" json:"epochs"`
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
}

// New returns an empty, untrained project.
func New(name, description string, now time.Time) *Project {
	return &Project{
		Name:            name,
		Description:     description,
		CreatedAt:       now,
		UpdatedAt:       now,
		Classes:         []string{},
		ClassCounts:     map[string]int{},
		TrainingHistory: []EpochStats{},
	}
}

// SetClasses replaces the class partitions with counts, keeping classes
// sorted and in step with class_counts.
func (p *Project) SetClasses(counts map[string]int) {
	classes := make([]string, 0, len(counts))
	copied := make(map[string]int, len(counts))
	for name, n := range counts {
		classes = append(classes, name)
		copied[name] = n
	}
	sort.Strings(classes)
	p.Classes = classes
	p.ClassCounts = copied
	p.NumClasses = len(classes)
}

// Empty reports whether the dataset has no classes or a class without images.
func (p *Project) Empty() bool {
	if len(p.Classes) == 0 {
		return true
	}
	for _, c := range p.Classes {
		if p.ClassCounts[c] == 0 {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	c.Classes = append([]string{}, p.Classes...)
	c.ClassCounts = make(map[string]int, len(p.ClassCounts))
	for k, v := range p.ClassCounts {
		c.ClassCounts[k] = v
	}
	c.TrainingHistory = append([]EpochStats{}, p.TrainingHistory...)
	if p.TrainingParams != nil {
		tp := *p.TrainingParams
		c.TrainingParams = &tp
	}
	return &c
}

// Validate checks the record invariants that must hold before it is persisted.
func (p *Project) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if len(p.Classes) != len(p.ClassCounts) || p.NumClasses != len(p.Classes) {
		return fmt.Errorf("%w: %d classes, %d counts, num_classes %d",
			ErrCorruptRecord, len(p.Classes), len(p.ClassCounts), p.NumClasses)
	}
	for i, c := range p.Classes {
		if c == "" || strings.HasPrefix(c, ".") {
			return fmt.Errorf("%w: invalid class %q", ErrCorruptRecord, c)
		}
		if i > 0 && p.Classes[i-1] >= c {
			return fmt.Errorf("%w: classes not sorted or duplicated at %q", ErrCorruptRecord, c)
		}
		if _, ok := p.ClassCounts[c]; !ok {
			return fmt.Errorf("%w: missing count for class %q", ErrCorruptRecord, c)
		}
	}
	if p.Trained && p.ModelPath == "" {
		return fmt.Errorf("%w: trained without model path", ErrCorruptRecord)
	}
	return nil
}

// Summary is the listing view of a project.
type Summary struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	NumClasses  int       `json:"num_classes"`
	Trained     bool      `json:"trained"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summarize returns the listing view.
func (p *Project) Summarize() Summary {
	return Summary{
		Name:        p.Name,
		Description: p.Description,
		NumClasses:  p.NumClasses,
		Trained:     p.Trained,
		CreatedAt:   p.CreatedAt,
	}
}
