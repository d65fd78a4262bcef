package project_test

import (
	"testing"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func TestProject_SetClassesKeepsInvariants(t *testing.T) {
	p := project.New("pets", "", fixedTime)
	p.SetClasses(map[string]int{"dog": 2, "cat": 1})

	require.Equal(t, []string{"cat", "dog"}, p.Classes)
	require.Equal(t, map[string]int{"cat": 1, "dog": 2}, p.ClassCounts)
	require.Equal(t, 2, p.NumClasses)
	require.NoError(t, p.Validate())
}

func TestProject_Empty(t *testing.T) {
	p := project.New("pets", "", fixedTime)
	require.True(t, p.Empty())

	p.SetClasses(map[string]int{"cat": 1, "dog": 0})
	require.True(t, p.Empty())

	p.SetClasses(map[string]int{"cat": 1, "dog": 3})
	require.False(t, p.Empty())
}

func TestProject_ValidateRejectsBrokenRecords(t *testing.T) {
	p := project.New("pets", "", fixedTime)
	p.Classes = []string{"dog", "cat"}
	p.ClassCounts = map[string]int{"dog": 1, "cat": 1}
	p.NumClasses = 2
	require.ErrorIs(t, p.Validate(), project.ErrCorruptRecord)

	p.SetClasses(map[string]int{"cat": 1})
	p.Trained = true
	require.ErrorIs(t, p.Validate(), project.ErrCorruptRecord)
}

func TestProject_CloneIsDeep(t *testing.T) {
	p := project.New("pets", "", fixedTime)
	p.SetClasses(map[string]int{"cat": 1})
	p.TrainingParams = &project.TrainingParams{Epochs: 1}

	c := p.Clone()
	c.ClassCounts["cat"] = 9
	c.Classes[0] = "x"
	c.TrainingParams.Epochs = 5

	require.Equal(t, 1, p.ClassCounts["cat"])
	require.Equal(t, "cat", p.Classes[0])
	require.Equal(t, 1, p.TrainingParams.Epochs)
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"pets", "my_project-2", "v1.0"} {
		require.NoError(t, project.ValidateName(ok))
	}
	for _, bad := range []string{"", ".", "..", "-x", "a/b", `a\b`, "sp ace"} {
		require.ErrorIs(t, project.ValidateName(bad), project.ErrInvalidName, bad)
	}
}
