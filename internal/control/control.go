// Package control is the operation surface used by the HTTP server and the
// CLI. Every phase state change goes through the transition table, either in
// the launcher's reservation or in a store transaction.
package control

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"syscall"

	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
	"github.com/dotcommander/loopd/internal/workspace"
)

// DefaultDetailLines is the number of log lines Details returns when asked for zero.
const DefaultDetailLines = 20

// Launcher starts executions and signals live ones.
type Launcher interface {
	LaunchPhase(ctx context.Context, taskID string, action transition.Action) (*models.Execution, error)
	LaunchOrdinary(ctx context.Context, taskID, command, nextAction string) (*models.Execution, error)
	Signal(executionID string, sig syscall.Signal) error
}

// Config carries control policy.
type Config struct {
	ArtifactDir string
	// HardKillOnCancel also sends SIGTERM to the phase process group on cancel.
	HardKillOnCancel bool
}

// Deps are the collaborators a Service is built from. Launcher may be nil for
// read-only use; launch operations then fail.
type Deps struct {
	DB        *sql.DB
	Launcher  Launcher
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service implements the control operations.
type Service struct {
	db        *sql.DB
	launcher  Launcher
	publisher publish.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
}

// New builds a Service.
func New(d Deps, cfg Config) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	return &Service{
		db:        d.DB,
		launcher:  d.Launcher,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cfg:       cfg,
	}
}

var errNoLauncher = errors.New("launch operations need a running server")

// Start launches the plan phase from Inactive or Failed.
func (s *Service) Start(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.launch(ctx, taskID, transition.ActionStart)
}

// Approve launches the build phase from AwaitingApproval.
func (s *Service) Approve(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.launch(ctx, taskID, transition.ActionApprove)
}

// Replan relaunches the plan phase from AwaitingApproval.
func (s *Service) Replan(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.launch(ctx, taskID, transition.ActionReplan)
}

// Restart relaunches the plan phase from Failed.
func (s *Service) Restart(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.launch(ctx, taskID, transition.ActionRestart)
}

func (s *Service) launch(ctx context.Context, taskID string, action transition.Action) (*models.Execution, error) {
	if s.launcher == nil {
		return nil, errNoLauncher
	}
	return s.launcher.LaunchPhase(ctx, taskID, action)
}

// CancelOutcome reports what Cancel did.
type CancelOutcome struct {
	Task           *models.Task      `json:"task"`
	From           models.PhaseState `json:"from"`
	Killed         *models.Execution `json:"killed,omitempty"`
	SentinelRaised bool              `json:"sentinel_raised"`
	Signaled       bool              `json:"signaled"`
}

// Cancel moves the task to Inactive, marks its running phase execution
// killed, and raises the stop sentinel in the workspace. The process itself
// is only signaled when HardKillOnCancel is set; otherwise it stops at its
// next sentinel check and its exit is ignored. Until that runner has exited,
// Start and RunScript for the task fail with ExecutionActive. Ordinary
// executions are not cancelled.
func (s *Service) Cancel(_ context.Context, taskID string) (*CancelOutcome, error) {
	res, err := store.CancelTask(s.db, taskID)
	if err != nil {
		return nil, err
	}
	publish.All(s.publisher, res.Events)
	s.metrics.Transition(string(res.From), string(res.Task.PhaseState))

	out := &CancelOutcome{Task: res.Task, From: res.From, Killed: res.Killed}
	log := s.logger.With("task_id", taskID)

	ws, err := store.GetWorkspace(s.db, taskID)
	switch {
	case err != nil:
		log.Warn("cancel committed but workspace lookup failed", "error", err)
	case ws != nil:
		raised, rerr := workspace.RaiseSentinel(workspace.New(ws.Path, s.cfg.ArtifactDir))
		if rerr != nil {
			log.Warn("cancel committed but sentinel could not be raised", "error", rerr)
		}
		out.SentinelRaised = raised
	}

	if s.cfg.HardKillOnCancel && res.Killed != nil && s.launcher != nil {
		if err := s.launcher.Signal(res.Killed.ID, syscall.SIGTERM); err != nil {
			log.Info("hard kill skipped", "execution_id", res.Killed.ID, "error", err)
		} else {
			out.Signaled = true
		}
	}

	log.Info("task canceled", "from", res.From, "sentinel_raised", out.SentinelRaised, "signaled", out.Signaled)
	return out, nil
}

// Reset returns a Completed task to Inactive. No process is involved.
func (s *Service) Reset(_ context.Context, taskID string) (*models.Task, error) {
	res, err := store.ResetTask(s.db, taskID)
	if err != nil {
		return nil, err
	}
	publish.All(s.publisher, res.Events)
	s.metrics.Transition(string(res.From), string(res.Task.PhaseState))
	return res.Task, nil
}

// Status returns the task's phase state.
func (s *Service) Status(taskID string) (models.PhaseState, error) {
	task, err := store.GetTask(s.db, taskID)
	if err != nil {
		return "", err
	}
	return task.PhaseState, nil
}

// Details describes the task's most recent execution.
type Details struct {
	TaskID     string            `json:"task_id"`
	PhaseState models.PhaseState `json:"phase_state"`
	Execution  *models.Execution `json:"execution,omitempty"`
	LogLines   []string          `json:"log_lines"`
	Branch     string            `json:"branch,omitempty"`
	Workspace  string            `json:"workspace,omitempty"`
}

// Details returns the latest execution with its last lines of output and the
// workspace branch. lines <= 0 uses DefaultDetailLines.
func (s *Service) Details(taskID string, lines int) (*Details, error) {
	snap, err := store.GetTaskSnapshot(s.db, taskID)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = DefaultDetailLines
	}

	d := &Details{TaskID: taskID, PhaseState: snap.Task.PhaseState, LogLines: []string{}}
	if snap.Latest != nil {
		d.Execution = snap.Latest
		d.LogLines = lastLines(snap.Latest.LogTail, lines)
	}
	if snap.Workspace != nil {
		d.Workspace = snap.Workspace.Path
		d.Branch = workspace.Branch(snap.Workspace.Path)
	}
	return d, nil
}

func lastLines(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Plan returns the plan document. It is only available once planning has
// succeeded: in AwaitingApproval or Completed.
func (s *Service) Plan(taskID string) (string, error) {
	task, err := store.GetTask(s.db, taskID)
	if err != nil {
		return "", err
	}
	if !task.PhaseState.HasPlan() {
		return "", &models.InvalidTransitionError{
			TaskID:  taskID,
			From:    task.PhaseState,
			Action:  "read plan",
			Allowed: []models.PhaseState{models.PhaseStateAwaitingApproval, models.PhaseStateCompleted},
		}
	}
	ws, err := store.GetWorkspace(s.db, taskID)
	if err != nil {
		return "", err
	}
	if ws == nil {
		return "", &models.SetupMissingError{Reason: "task has no workspace"}
	}
	return workspace.ReadPlan(workspace.New(ws.Path, s.cfg.ArtifactDir))
}

// History returns the task's events in id order. limit <= 0 uses the store default.
func (s *Service) History(taskID string, sinceID int64, limit int) ([]*models.Event, error) {
	if _, err := store.GetTask(s.db, taskID); err != nil {
		return nil, err
	}
	return store.ListEvents(s.db, store.ListEventsParams{TaskID: taskID, SinceID: sinceID, Limit: limit})
}

// CreateTask creates a task, optionally bound to a workspace directory.
func (s *Service) CreateTask(title, description, workspacePath string) (*models.Task, *models.Workspace, error) {
	task, ws, err := store.CreateTaskWithWorkspace(s.db, title, description, workspacePath)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "workspace", workspacePath)
	return task, ws, nil
}

// SetWorkspace rebinds the task's workspace directory.
func (s *Service) SetWorkspace(taskID, path string) (*models.Workspace, error) {
	return store.SetWorkspace(s.db, taskID, path)
}

// GetTask returns one task.
func (s *Service) GetTask(taskID string) (*models.Task, error) {
	return store.GetTask(s.db, taskID)
}

// ListTasks returns tasks, optionally filtered by phase state.
func (s *Service) ListTasks(phaseState models.PhaseState) ([]*models.Task, error) {
	return store.ListTasks(s.db, phaseState)
}

// RunScript launches command as an ordinary execution in the task's
// workspace. It is gated only by the one-running-execution rule.
func (s *Service) RunScript(ctx context.Context, taskID, command, nextAction string) (*models.Execution, error) {
	if s.launcher == nil {
		return nil, errNoLauncher
	}
	return s.launcher.LaunchOrdinary(ctx, taskID, command, nextAction)
}

// Executions lists the task's executions in launch order.
func (s *Service) Executions(taskID string) ([]*models.Execution, error) {
	if _, err := store.GetTask(s.db, taskID); err != nil {
		return nil, err
	}
	return store.ListExecutions(s.db, taskID)
}
