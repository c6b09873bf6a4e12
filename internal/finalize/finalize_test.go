package finalize

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/launcher"
	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/monitor"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
)

type fixture struct {
	db       *sql.DB
	monitor  *monitor.Monitor
	launcher *launcher.Launcher
	events   *publish.Recorder
	metrics  *metrics.Metrics
	task     *models.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	task, err := store.CreateTask(db, "t", "spec")
	require.NoError(t, err)
	_, err = store.SetWorkspace(db, task.ID, t.TempDir())
	require.NoError(t, err)

	rec := &publish.Recorder{}
	m := metrics.New(prometheus.NewRegistry())
	mon := monitor.New(monitor.Deps{DB: db, Publisher: rec, Metrics: m})
	l := launcher.New(launcher.Deps{DB: db, Watcher: mon, Publisher: rec, Metrics: m}, launcher.Config{})
	mon.SetPipeline(New(Deps{DB: db, Scheduler: l, Publisher: rec, Metrics: m}))

	return &fixture{db: db, monitor: mon, launcher: l, events: rec, metrics: m, task: task}
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f.monitor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not finish")
	}
}

func (f *fixture) current(t *testing.T) *models.Task {
	t.Helper()
	task, err := store.GetTask(f.db, f.task.ID)
	require.NoError(t, err)
	return task
}

func TestComplete_SuccessMovesToReviewAndChains(t *testing.T) {
	f := newFixture(t)

	first, err := f.launcher.LaunchOrdinary(context.Background(), f.task.ID, "echo first", "echo second")
	require.NoError(t, err)
	f.wait(t)

	execs, err := store.ListExecutions(f.db, f.task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	byID := map[string]*models.Execution{}
	for _, e := range execs {
		byID[e.ID] = e
		assert.Equal(t, models.ExecStatusCompleted, e.Status)
		assert.Equal(t, models.RunKindOrdinary, e.Kind)
	}
	require.Contains(t, byID, first.ID)
	assert.Contains(t, byID[first.ID].LogTail, "first")
	for id, e := range byID {
		if id != first.ID {
			assert.Equal(t, "echo second", e.Command)
			assert.Empty(t, e.NextAction)
		}
	}

	task := f.current(t)
	assert.Equal(t, models.TaskStatusInReview, task.Status)
	assert.Equal(t, models.PhaseStateInactive, task.PhaseState)

	kinds := f.events.Kinds()
	assert.Contains(t, kinds, models.EventKindTaskFinalized)
	assert.Contains(t, kinds, models.EventKindNextActionScheduled)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.ExecutionsFinished.WithLabelValues("ordinary", "", "completed")), 0)
}

func TestComplete_FailureMovesToInProgressWithoutChaining(t *testing.T) {
	f := newFixture(t)

	exec, err := f.launcher.LaunchOrdinary(context.Background(), f.task.ID, "exit 4", "echo never")
	require.NoError(t, err)
	f.wait(t)

	execs, err := store.ListExecutions(f.db, f.task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, exec.ID, execs[0].ID)
	assert.Equal(t, models.ExecStatusFailed, execs[0].Status)
	require.NotNil(t, execs[0].ExitCode)
	assert.Equal(t, 4, *execs[0].ExitCode)

	assert.Equal(t, models.TaskStatusInProgress, f.current(t).Status)
	assert.NotContains(t, f.events.Kinds(), models.EventKindNextActionScheduled)
}

type failingScheduler struct{}

func (failingScheduler) LaunchOrdinary(context.Context, string, string, string) (*models.Execution, error) {
	return nil, &models.SetupMissingError{Reason: "gone"}
}

func TestComplete_AlreadyTerminalIsNoop(t *testing.T) {
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	task, err := store.CreateTask(db, "t", "spec")
	require.NoError(t, err)
	ws, err := store.SetWorkspace(db, task.ID, t.TempDir())
	require.NoError(t, err)

	var h *launcher.Handle
	procs := launcher.NewProcesses(10, nil)
	r, err := store.ReserveExecution(db, store.ReserveParams{
		TaskID: task.ID, WorkspaceID: ws.ID, Kind: models.RunKindOrdinary, Command: "true", NextAction: "true",
	})
	require.NoError(t, err)
	h, err = procs.Start(launcher.ProcessSpec{
		ExecutionID: r.Execution.ID, TaskID: task.ID, Kind: models.RunKindOrdinary,
		Dir: ws.Path, Path: "/bin/sh", Args: []string{"-c", "true"},
	})
	require.NoError(t, err)
	res := h.Wait()

	rec := &publish.Recorder{}
	p := New(Deps{DB: db, Scheduler: failingScheduler{}, Publisher: rec})
	assert.True(t, p.Complete(context.Background(), h, res))
	assert.False(t, p.Complete(context.Background(), h, res))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, got.Status)

	finalized := 0
	for _, k := range rec.Kinds() {
		if k == models.EventKindTaskFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
	assert.NotContains(t, rec.Kinds(), models.EventKindNextActionScheduled)
}
