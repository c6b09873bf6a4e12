package store

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/transition"
)

var taskIDPattern = regexp.MustCompile(`^task_\d+(_[0-9a-f]{12})?$`)

func TestCreateTask(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := CreateTask(db, "Test Task", "Test Description")
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Regexp(t, taskIDPattern, task.ID)
	assert.Equal(t, "Test Task", task.Title)
	assert.Equal(t, "Test Description", task.Description)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	assert.Equal(t, models.PhaseStateInactive, task.PhaseState)
	assert.Equal(t, 1, task.Version)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestCreateTask_RequiresTitle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := CreateTask(db, "  ", "desc")
	require.Error(t, err)
}

func TestGetTaskNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := GetTask(db, "nonexistent")
	require.ErrorIs(t, err, models.ErrTaskNotFound)
	assert.Nil(t, task)
}

func TestListTasks_FilterByPhaseState(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a, err := CreateTask(db, "a", "x")
	require.NoError(t, err)
	_, err = CreateTask(db, "b", "y")
	require.NoError(t, err)

	_, err = ApplyTransition(db, a.ID, transition.ActionStart)
	require.NoError(t, err)

	all, err := ListTasks(db, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	planning, err := ListTasks(db, models.PhaseStatePlanning)
	require.NoError(t, err)
	require.Len(t, planning, 1)
	assert.Equal(t, a.ID, planning[0].ID)
}

func TestApplyTransition_RejectsAndMutatesNothing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := CreateTask(db, "t", "spec")
	require.NoError(t, err)

	_, err = ApplyTransition(db, task.ID, transition.ActionReset)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	var ite *models.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, task.ID, ite.TaskID)

	after, err := GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, after.Version)
	assert.Equal(t, models.PhaseStateInactive, after.PhaseState)
}

func TestApplyTransition_BumpsVersion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := CreateTask(db, "t", "spec")
	require.NoError(t, err)

	res, err := ApplyTransition(db, task.ID, transition.ActionStart)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStateInactive, res.From)
	assert.Equal(t, models.PhaseStatePlanning, res.Task.PhaseState)
	assert.Equal(t, task.Version+1, res.Task.Version)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.EventKindPhaseChanged, res.Events[0].Kind)
}
