package launcher

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
	"github.com/dotcommander/loopd/internal/workspace"
)

type chanWatcher struct {
	handles chan *Handle
}

func (w *chanWatcher) Watch(h *Handle) { w.handles <- h }

func (w *chanWatcher) next(t *testing.T) *Handle {
	t.Helper()
	select {
	case h := <-w.handles:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("no handle watched")
		return nil
	}
}

type fixture struct {
	db       *sql.DB
	launcher *Launcher
	watcher  *chanWatcher
	events   *publish.Recorder
	metrics  *metrics.Metrics
	root     string
	task     *models.Task
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	root := t.TempDir()
	if script != "" {
		dir := filepath.Join(root, ".loopd")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.ScriptName), []byte(script), 0o755))
	}

	task, err := store.CreateTask(db, "t", "make it so")
	require.NoError(t, err)
	_, err = store.SetWorkspace(db, task.ID, root)
	require.NoError(t, err)

	w := &chanWatcher{handles: make(chan *Handle, 4)}
	rec := &publish.Recorder{}
	m := metrics.New(prometheus.NewRegistry())
	l := New(Deps{
		DB:          db,
		Provisioner: &workspace.DirProvisioner{ArtifactDir: ".loopd"},
		Watcher:     w,
		Publisher:   rec,
		Metrics:     m,
	}, Config{PlanMaxIterations: 5})

	return &fixture{db: db, launcher: l, watcher: w, events: rec, metrics: m, root: root, task: task}
}

func TestPhaseArgs(t *testing.T) {
	l := New(Deps{}, Config{PlanMaxIterations: 5})
	assert.Equal(t, []string{"plan", "5"}, l.PhaseArgs(models.PhasePlan))
	assert.Empty(t, l.PhaseArgs(models.PhaseBuild))

	l = New(Deps{}, Config{BuildMaxIterations: 20})
	assert.Equal(t, []string{"plan"}, l.PhaseArgs(models.PhasePlan))
	assert.Equal(t, []string{"20"}, l.PhaseArgs(models.PhaseBuild))
}

func TestLaunchPhase_StartSpawnsPlan(t *testing.T) {
	script := "#!/bin/sh\n" +
		"echo \"args=$*\"\n" +
		"echo \"task=$LOOPD_TASK_ID phase=$LOOPD_PHASE\"\n" +
		"cat \"$LOOPD_INPUT\"\n" +
		"[ -f \"$LOOPD_SENTINEL\" ] && echo stale\n" +
		"exit 0\n"
	f := newFixture(t, script)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, ".loopd", workspace.SentinelName), nil, 0o644))

	exec, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.NoError(t, err)
	assert.Equal(t, models.ExecStatusRunning, exec.Status)
	assert.Equal(t, models.PhasePlan, exec.Phase)
	require.NotNil(t, exec.PID)

	task, err := store.GetTask(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatePlanning, task.PhaseState)

	h := f.watcher.next(t)
	assert.Equal(t, exec.ID, h.ExecutionID)
	res := h.Wait()
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Tail, "args=plan 5")
	assert.Contains(t, res.Tail, "task="+f.task.ID+" phase=plan")
	assert.Contains(t, res.Tail, "make it so")
	assert.NotContains(t, res.Tail, "stale")

	b, err := os.ReadFile(filepath.Join(f.root, ".loopd", workspace.InputName))
	require.NoError(t, err)
	assert.Equal(t, "make it so", string(b))

	assert.Equal(t, []string{models.EventKindPhaseChanged, models.EventKindExecutionStarted}, f.events.Kinds())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ExecutionsStarted.WithLabelValues("phase_run", "plan")), 0)
}

func TestLaunchPhase_SetupMissingReservesNothing(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.ErrorIs(t, err, models.ErrSetupMissing)

	task, err := store.GetTask(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStateInactive, task.PhaseState)

	execs, err := store.ListExecutions(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.LaunchFailures.WithLabelValues("SETUP_MISSING")), 0)
}

func TestLaunchPhase_NoWorkspace(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nexit 0\n")
	other, err := store.CreateTask(f.db, "other", "spec")
	require.NoError(t, err)

	_, err = f.launcher.LaunchPhase(context.Background(), other.ID, transition.ActionStart)
	require.ErrorIs(t, err, models.ErrSetupMissing)
}

func TestLaunchPhase_SpecMissing(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nexit 0\n")
	task, err := store.CreateTask(f.db, "empty", "   ")
	require.NoError(t, err)
	_, err = store.SetWorkspace(f.db, task.ID, f.root)
	require.NoError(t, err)

	_, err = f.launcher.LaunchPhase(context.Background(), task.ID, transition.ActionStart)
	require.ErrorIs(t, err, models.ErrSpecMissing)
}

func TestLaunchPhase_InvalidTransition(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nexit 0\n")

	_, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionApprove)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	var ite *models.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, f.task.ID, ite.TaskID)
}

func TestLaunchPhase_SpawnFailureRevertsState(t *testing.T) {
	f := newFixture(t, "#!/nonexistent/interpreter\nexit 0\n")

	_, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.ErrorIs(t, err, models.ErrSpawn)

	task, err := store.GetTask(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStateInactive, task.PhaseState)

	execs, err := store.ListExecutions(f.db, f.task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecStatusFailed, execs[0].Status)

	n, err := store.CountRunning(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.events.Kinds(), models.EventKindExecutionReverted)
}

func TestLaunchPhase_SecondStartRejected(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nsleep 5\n")

	first, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.NoError(t, err)

	_, err = f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, f.launcher.Signal(first.ID, syscall.SIGKILL))
	res := f.watcher.next(t).Wait()
	assert.Equal(t, models.ExecStatusKilled, res.Status())
}

func TestLaunchOrdinary_RunsShellCommand(t *testing.T) {
	f := newFixture(t, "")

	exec, err := f.launcher.LaunchOrdinary(context.Background(), f.task.ID, "echo hello; pwd; exit 3", "echo next")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindOrdinary, exec.Kind)
	assert.Equal(t, "echo next", exec.NextAction)

	res := f.watcher.next(t).Wait()
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, models.ExecStatusFailed, res.Status())
	lines := strings.Split(strings.TrimSpace(res.Tail), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])

	// Ordinary runs never touch the phase state.
	task, err := store.GetTask(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStateInactive, task.PhaseState)
}

func TestSignal_ProcessGroup(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nsleep 30 &\nwait\n")

	exec, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.NoError(t, err)
	assert.Equal(t, 1, f.launcher.Processes().Live())

	require.NoError(t, f.launcher.Signal(exec.ID, syscall.SIGTERM))
	res := f.watcher.next(t).Wait()
	assert.Equal(t, models.ExecStatusKilled, res.Status())
	assert.Equal(t, syscall.SIGTERM.String(), res.Signal)
	assert.Zero(t, f.launcher.Processes().Live())

	require.Error(t, f.launcher.Signal(exec.ID, syscall.SIGTERM))
}

func TestLaunch_RefusedWhileEarlierChildAlive(t *testing.T) {
	f := newFixture(t, "#!/bin/sh\nwhile [ ! -f \"$LOOPD_SENTINEL\" ]; do sleep 0.05; done\n")

	first, err := f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	require.NoError(t, err)
	h := f.watcher.next(t)

	// Cancel has already made the record terminal; the runner has not stopped yet.
	_, err = store.CancelTask(f.db, f.task.ID)
	require.NoError(t, err)

	live, ok := f.launcher.Processes().LiveForTask(f.task.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, live.ExecutionID)

	_, err = f.launcher.LaunchPhase(context.Background(), f.task.ID, transition.ActionStart)
	var eae *models.ExecutionActiveError
	require.ErrorAs(t, err, &eae)
	assert.Equal(t, first.ID, eae.ExecutionID)

	_, err = f.launcher.LaunchOrdinary(context.Background(), f.task.ID, "true", "")
	require.ErrorIs(t, err, models.ErrExecutionActive)

	n, err := store.CountRunning(f.db, f.task.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = workspace.RaiseSentinel(workspace.New(f.root, ".loopd"))
	require.NoError(t, err)
	h.Wait()
	_, ok = f.launcher.Processes().LiveForTask(f.task.ID)
	assert.False(t, ok)
}

func TestProcesses_RunningGaugeFollowsChild(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := NewProcesses(10, nil)
	p.metrics = m

	h, err := p.Start(ProcessSpec{ExecutionID: "exec_1", TaskID: "task_1", Kind: models.RunKindOrdinary, Dir: t.TempDir(), Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	h.Wait()
	assert.InDelta(t, 0, testutil.ToFloat64(m.ExecutionsRunning), 0)

	h, err = p.Start(ProcessSpec{ExecutionID: "exec_2", TaskID: "task_1", Kind: models.RunKindOrdinary, Dir: t.TempDir(), Path: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsRunning), 0)
	require.NoError(t, p.Signal("exec_2", syscall.SIGKILL))
	h.Wait()
	assert.InDelta(t, 0, testutil.ToFloat64(m.ExecutionsRunning), 0)
}
