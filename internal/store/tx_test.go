package store

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/models"
)

func TestGetTaskSnapshot(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	bare, err := CreateTask(db, "bare", "")
	require.NoError(t, err)
	snap, err := GetTaskSnapshot(db, bare.ID)
	require.NoError(t, err)
	assert.Equal(t, bare.ID, snap.Task.ID)
	assert.Nil(t, snap.Workspace)
	assert.Nil(t, snap.Latest)

	task, ws := newTaskWithWorkspace(t, db)
	r := reservePlan(t, db, task, ws)

	snap, err = GetTaskSnapshot(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatePlanning, snap.Task.PhaseState)
	require.NotNil(t, snap.Workspace)
	assert.Equal(t, ws.Path, snap.Workspace.Path)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, r.Execution.ID, snap.Latest.ID)

	_, err = GetTaskSnapshot(db, "task_missing")
	require.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestTransact_TwoHandlesOnOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := InitDBWithPath(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := InitDBWithPath(path)
	require.NoError(t, err)
	defer b.Close()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for range n {
		for _, db := range []*sql.DB{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := CreateTask(db, "t", "concurrent")
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tasks, err := ListTasks(a, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 2*n)
}
