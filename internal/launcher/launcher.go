// Package launcher starts phase runs and ordinary script executions. A launch
// reserves a Running record, prepares the workspace, spawns the child in its
// own process group and hands it to a Watcher; it never waits for the exit.
package launcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"syscall"

	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
	"github.com/dotcommander/loopd/internal/workspace"
)

// Child environment variables.
const (
	EnvTaskID      = "LOOPD_TASK_ID"
	EnvExecutionID = "LOOPD_EXECUTION_ID"
	EnvPhase       = "LOOPD_PHASE"
	EnvSentinel    = "LOOPD_SENTINEL"
	EnvInput       = "LOOPD_INPUT"
)

// Watcher observes a spawned child until it exits.
type Watcher interface {
	Watch(h *Handle)
}

// Config carries the launch policy.
type Config struct {
	PlanMaxIterations  int
	BuildMaxIterations int
	// Shell runs ordinary commands as Shell -c <command>.
	Shell string
}

// Launcher is the process launcher. It is safe for concurrent use.
type Launcher struct {
	db          *sql.DB
	provisioner workspace.Provisioner
	procs       *Processes
	watcher     Watcher
	publisher   publish.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
}

// Deps are the collaborators a Launcher is built from.
type Deps struct {
	DB          *sql.DB
	Provisioner workspace.Provisioner
	Processes   *Processes
	Watcher     Watcher
	Publisher   publish.Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// New builds a Launcher.
func New(d Deps, cfg Config) *Launcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Processes == nil {
		d.Processes = NewProcesses(50, d.Logger)
	}
	if d.Processes.metrics == nil {
		d.Processes.metrics = d.Metrics
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Launcher{
		db:          d.DB,
		provisioner: d.Provisioner,
		procs:       d.Processes,
		watcher:     d.Watcher,
		publisher:   d.Publisher,
		metrics:     d.Metrics,
		logger:      d.Logger,
		cfg:         cfg,
	}
}

// Processes exposes the live process registry.
func (l *Launcher) Processes() *Processes { return l.procs }

// PhaseArgs returns the runner arguments for a phase: "plan [N]" or "[N]".
func (l *Launcher) PhaseArgs(phase models.Phase) []string {
	var args []string
	n := l.cfg.BuildMaxIterations
	if phase == models.PhasePlan {
		args = append(args, "plan")
		n = l.cfg.PlanMaxIterations
	}
	if n > 0 {
		args = append(args, strconv.Itoa(n))
	}
	return args
}

// LaunchPhase starts the phase that action leads to and returns the Running
// record. The task's phase state is moved in the same transaction that
// creates the record. On an input write or spawn failure the record is
// failed and the task is returned to its pre-launch state.
func (l *Launcher) LaunchPhase(ctx context.Context, taskID string, action transition.Action) (*models.Execution, error) {
	execution, err := l.launchPhase(ctx, taskID, action)
	if err != nil {
		l.metrics.LaunchFailed(errorCode(err))
	}
	return execution, err
}

func (l *Launcher) launchPhase(ctx context.Context, taskID string, action transition.Action) (*models.Execution, error) {
	phase, ok := transition.LaunchPhase(action)
	if !ok {
		return nil, fmt.Errorf("action %s does not launch a phase", action)
	}

	task, err := store.GetTask(l.db, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := transition.Validate(task.PhaseState, action); err != nil {
		var ite *models.InvalidTransitionError
		if errors.As(err, &ite) {
			ite.TaskID = taskID
		}
		return nil, err
	}
	if !task.HasSpec() {
		return nil, &models.SpecMissingError{TaskID: taskID}
	}
	if err := l.checkNoLiveChild(taskID); err != nil {
		return nil, err
	}

	ws, layout, err := l.prepare(ctx, taskID, true)
	if err != nil {
		return nil, err
	}

	args := l.PhaseArgs(phase)
	res, err := store.ReserveExecution(l.db, store.ReserveParams{
		TaskID:      taskID,
		WorkspaceID: ws.ID,
		Kind:        models.RunKindPhase,
		Action:      action,
		Phase:       phase,
		Command:     strings.TrimSpace(layout.ScriptPath() + " " + strings.Join(args, " ")),
	})
	if err != nil {
		return nil, err
	}
	l.published(res.Events)

	// The input is written after the reservation so two launches can never
	// race on the same file.
	if err := workspace.WriteInput(layout, task.Description); err != nil {
		return nil, l.revert(res, err)
	}
	if err := workspace.ClearSentinel(layout); err != nil {
		return nil, l.revert(res, err)
	}

	h, err := l.procs.Start(ProcessSpec{
		ExecutionID: res.Execution.ID,
		TaskID:      taskID,
		Kind:        models.RunKindPhase,
		Phase:       phase,
		Dir:         layout.Root,
		Path:        layout.ScriptPath(),
		Args:        args,
		Env: []string{
			EnvTaskID + "=" + taskID,
			EnvExecutionID + "=" + res.Execution.ID,
			EnvPhase + "=" + string(phase),
			EnvSentinel + "=" + layout.SentinelPath(),
			EnvInput + "=" + layout.InputPath(),
		},
	})
	if err != nil {
		return nil, l.revert(res, err)
	}

	return l.started(res, h), nil
}

// LaunchOrdinary runs command through the shell in the task's workspace as an
// ordinary execution. nextAction, if set, is launched by the completion
// pipeline after this one finishes.
func (l *Launcher) LaunchOrdinary(ctx context.Context, taskID, command, nextAction string) (*models.Execution, error) {
	execution, err := l.launchOrdinary(ctx, taskID, command, nextAction)
	if err != nil {
		l.metrics.LaunchFailed(errorCode(err))
	}
	return execution, err
}

func (l *Launcher) launchOrdinary(ctx context.Context, taskID, command, nextAction string) (*models.Execution, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}
	if _, err := store.GetTask(l.db, taskID); err != nil {
		return nil, err
	}
	if err := l.checkNoLiveChild(taskID); err != nil {
		return nil, err
	}

	ws, layout, err := l.prepare(ctx, taskID, false)
	if err != nil {
		return nil, err
	}

	res, err := store.ReserveExecution(l.db, store.ReserveParams{
		TaskID:      taskID,
		WorkspaceID: ws.ID,
		Kind:        models.RunKindOrdinary,
		Command:     command,
		NextAction:  nextAction,
	})
	if err != nil {
		return nil, err
	}
	l.published(res.Events)

	h, err := l.procs.Start(ProcessSpec{
		ExecutionID: res.Execution.ID,
		TaskID:      taskID,
		Kind:        models.RunKindOrdinary,
		Dir:         layout.Root,
		Path:        l.cfg.Shell,
		Args:        []string{"-c", command},
		Env: []string{
			EnvTaskID + "=" + taskID,
			EnvExecutionID + "=" + res.Execution.ID,
		},
	})
	if err != nil {
		return nil, l.revert(res, err)
	}

	return l.started(res, h), nil
}

// Signal sends sig to the process group of a live execution.
func (l *Launcher) Signal(executionID string, sig syscall.Signal) error {
	return l.procs.Signal(executionID, sig)
}

// checkNoLiveChild refuses a launch while an earlier child of the task is
// still running, even if its record is already terminal. Otherwise a start
// right after cancel would clear the sentinel the old runner has not read yet
// and two runners would share the workspace.
func (l *Launcher) checkNoLiveChild(taskID string) error {
	if h, ok := l.procs.LiveForTask(taskID); ok {
		return &models.ExecutionActiveError{TaskID: taskID, ExecutionID: h.ExecutionID}
	}
	return nil
}

// prepare resolves the task's workspace. Phase runs additionally go through
// the provisioner, which must leave an executable runner in place.
func (l *Launcher) prepare(ctx context.Context, taskID string, phaseRun bool) (*models.Workspace, workspace.Layout, error) {
	ws, err := store.GetWorkspace(l.db, taskID)
	if err != nil {
		return nil, workspace.Layout{}, err
	}
	if ws == nil {
		return nil, workspace.Layout{}, &models.SetupMissingError{Reason: "task has no workspace"}
	}

	if !phaseRun {
		return ws, workspace.New(ws.Path, ""), nil
	}

	if l.provisioner == nil {
		return nil, workspace.Layout{}, &models.SetupMissingError{Path: ws.Path, Reason: "no workspace provisioner configured"}
	}
	layout, err := l.provisioner.Ensure(ctx, ws.Path)
	if err != nil {
		return nil, workspace.Layout{}, err
	}
	return ws, layout, nil
}

func (l *Launcher) started(res *store.Reservation, h *Handle) *models.Execution {
	if err := store.SetExecutionPID(l.db, res.Execution.ID, h.PID); err != nil {
		l.logger.Warn("failed to record pid", "execution_id", res.Execution.ID, "pid", h.PID, "error", err)
	} else {
		pid := h.PID
		res.Execution.PID = &pid
	}

	l.metrics.Started(string(res.Execution.Kind), string(res.Execution.Phase))
	if res.Execution.IsPhaseRun() {
		l.metrics.Transition(string(res.PrevState), string(res.Task.PhaseState))
	}
	l.logger.Info("execution started",
		"task_id", res.Execution.TaskID,
		"execution_id", res.Execution.ID,
		"kind", res.Execution.Kind,
		"phase", res.Execution.Phase,
		"pid", h.PID,
	)

	if l.watcher != nil {
		l.watcher.Watch(h)
	}
	return res.Execution
}

// revert compensates a reservation and returns cause for the caller.
func (l *Launcher) revert(res *store.Reservation, cause error) error {
	events, err := store.RevertReservation(l.db, res, cause)
	if err != nil {
		l.logger.Error("failed to revert launch",
			"task_id", res.Execution.TaskID,
			"execution_id", res.Execution.ID,
			"cause", cause,
			"error", err,
			"alert", true,
		)
		l.metrics.PersistFailed("launcher")
		return cause
	}
	l.published(events)
	l.logger.Warn("launch reverted",
		"task_id", res.Execution.TaskID,
		"execution_id", res.Execution.ID,
		"restored_phase_state", res.PrevState,
		"cause", cause,
	)
	return cause
}

func (l *Launcher) published(events []models.Event) {
	publish.All(l.publisher, events)
}

func errorCode(err error) string {
	var rec models.RecoverableError
	if errors.As(err, &rec) {
		return rec.ErrorCode()
	}
	return "INTERNAL"
}
