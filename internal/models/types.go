package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ID Strategy:
// - Events use int64 (monotonic ordering, auto-increment)
// - Tasks, Workspaces, Executions use string (e.g., "exec_1234567890_a3f9c2d1e0b4")

// PhaseState is the position of a task in the plan/build workflow.
type PhaseState string

// Phase state constants.
const (
	PhaseStateInactive         PhaseState = "inactive"
	PhaseStatePlanning         PhaseState = "planning"
	PhaseStateAwaitingApproval PhaseState = "awaiting_approval"
	PhaseStateBuilding         PhaseState = "building"
	PhaseStateCompleted        PhaseState = "completed"
	PhaseStateFailed           PhaseState = "failed"
)

// IsActive returns true if a phase process is expected to be running.
func (s PhaseState) IsActive() bool {
	return s == PhaseStatePlanning || s == PhaseStateBuilding
}

// HasPlan returns true if a plan document is expected to exist.
func (s PhaseState) HasPlan() bool {
	return s == PhaseStateAwaitingApproval || s == PhaseStateCompleted
}

// Phase tags an execution of the two-phase workflow.
type Phase string

// Phase constants.
const (
	PhasePlan  Phase = "plan"
	PhaseBuild Phase = "build"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhasePlan || p == PhaseBuild
}

// ExecStatus is the lifecycle status of an execution record.
type ExecStatus string

// Execution status constants.
const (
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusCompleted ExecStatus = "completed"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusKilled    ExecStatus = "killed"
)

// IsTerminal returns true once the execution can no longer change.
func (s ExecStatus) IsTerminal() bool {
	return s != ExecStatusRunning
}

// RunKind separates phase runs from ordinary script executions. Completion
// handling dispatches on it.
type RunKind string

// Run kind constants.
const (
	RunKindPhase    RunKind = "phase_run"
	RunKindOrdinary RunKind = "ordinary"
)

// TaskStatus is the ordinary (non-phase) workflow field of a task. Only the
// generic completion pipeline writes it.
type TaskStatus string

// Task status constants.
const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
)

// Task is a unit of work driven through the plan/build workflow.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	PhaseState  PhaseState `json:"phase_state"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasSpec returns true if the task carries specification text to feed a phase.
func (t *Task) HasSpec() bool {
	return strings.TrimSpace(t.Description) != ""
}

// Workspace is the isolated working tree a task's phases execute in.
type Workspace struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution is one spawned attempt at a phase (or an ordinary script run).
type Execution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	WorkspaceID string     `json:"workspace_id"`
	Kind        RunKind    `json:"kind"`
	Phase       Phase      `json:"phase,omitempty"`
	Status      ExecStatus `json:"status"`
	Command     string     `json:"command"`
	NextAction  string     `json:"next_action,omitempty"`
	PID         *int       `json:"pid,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Signal      string     `json:"signal,omitempty"`
	Dropped     bool       `json:"dropped"`
	LogTail     string     `json:"log_tail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsPhaseRun returns true for plan/build executions.
func (e *Execution) IsPhaseRun() bool {
	return e.Kind == RunKindPhase
}

// Event is one row of the append-only audit log.
type Event struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	TaskID      string          `json:"task_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
