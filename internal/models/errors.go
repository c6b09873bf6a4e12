package models

import (
	"errors"
	"fmt"
	"strings"
)

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. The store, control, output and server
// packages all key off this interface.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Sentinels for errors.Is matching against the structured types below.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSetupMissing      = errors.New("setup missing")
	ErrSpawn             = errors.New("spawn failed")
	ErrIO                = errors.New("io failure")
	ErrArtifactMissing   = errors.New("artifact missing")
	ErrRuntimeFailure    = errors.New("runtime failure")
	ErrExecutionActive   = errors.New("execution already running")
	ErrTaskNotFound      = errors.New("task not found")
	ErrSpecMissing       = errors.New("task has no specification")
	ErrVersionConflict   = errors.New("version conflict: record was modified by another process")
)

// InvalidTransitionError is returned when an action is not allowed from the
// task's current phase state.
type InvalidTransitionError struct {
	TaskID  string
	From    PhaseState
	Action  string
	Allowed []PhaseState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %s", e.Action, e.From)
}
func (e *InvalidTransitionError) ErrorCode() string { return "INVALID_TRANSITION" }
func (e *InvalidTransitionError) Context() map[string]string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	ctx := map[string]string{
		"from":       string(e.From),
		"action":     e.Action,
		"valid_from": strings.Join(allowed, ","),
	}
	if e.TaskID != "" {
		ctx["task_id"] = e.TaskID
	}
	return ctx
}
func (e *InvalidTransitionError) SuggestedAction() string {
	return "reload the task and choose an action allowed from its current phase state"
}
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// SetupMissingError is returned when a workspace lacks the phase runner.
type SetupMissingError struct {
	Path   string
	Reason string
}

func (e *SetupMissingError) Error() string {
	return fmt.Sprintf("workspace not set up: %s", e.Reason)
}
func (e *SetupMissingError) ErrorCode() string { return "SETUP_MISSING" }
func (e *SetupMissingError) Context() map[string]string {
	return map[string]string{"path": e.Path, "reason": e.Reason}
}
func (e *SetupMissingError) SuggestedAction() string {
	return "install an executable loop script in the workspace artifact directory, or enable auto_provision with a template_dir"
}
func (e *SetupMissingError) Is(target error) bool { return target == ErrSetupMissing }

// SpawnError is returned when the child process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }
func (e *SpawnError) ErrorCode() string { return "SPAWN_ERROR" }
func (e *SpawnError) Context() map[string]string {
	return map[string]string{"command": e.Command}
}
func (e *SpawnError) SuggestedAction() string {
	return "check the loop script permissions and interpreter, then retry"
}
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// IOError is returned when a workspace file could not be read or written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }
func (e *IOError) ErrorCode() string { return "IO_ERROR" }
func (e *IOError) Context() map[string]string {
	return map[string]string{"op": e.Op, "path": e.Path}
}
func (e *IOError) SuggestedAction() string {
	return "check workspace permissions and free space, then retry"
}
func (e *IOError) Is(target error) bool { return target == ErrIO }

// ArtifactMissingError is returned when an expected output document is absent.
type ArtifactMissingError struct {
	Path string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Path)
}
func (e *ArtifactMissingError) ErrorCode() string { return "ARTIFACT_MISSING" }
func (e *ArtifactMissingError) Context() map[string]string {
	return map[string]string{"path": e.Path}
}
func (e *ArtifactMissingError) SuggestedAction() string {
	return "replan the task; the plan phase did not leave a plan document"
}
func (e *ArtifactMissingError) Is(target error) bool { return target == ErrArtifactMissing }

// RuntimeFailureError describes a phase process that exited non-zero or was killed.
type RuntimeFailureError struct {
	ExecutionID string
	Phase       Phase
	ExitCode    *int
	Signal      string
}

func (e *RuntimeFailureError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("%s execution %s killed by %s", e.Phase, e.ExecutionID, e.Signal)
	case e.ExitCode != nil:
		return fmt.Sprintf("%s execution %s exited with code %d", e.Phase, e.ExecutionID, *e.ExitCode)
	default:
		return fmt.Sprintf("%s execution %s failed", e.Phase, e.ExecutionID)
	}
}
func (e *RuntimeFailureError) ErrorCode() string { return "RUNTIME_FAILURE" }
func (e *RuntimeFailureError) Context() map[string]string {
	ctx := map[string]string{"execution_id": e.ExecutionID, "phase": string(e.Phase)}
	if e.ExitCode != nil {
		ctx["exit_code"] = fmt.Sprint(*e.ExitCode)
	}
	if e.Signal != "" {
		ctx["signal"] = e.Signal
	}
	return ctx
}
func (e *RuntimeFailureError) SuggestedAction() string {
	return "inspect the execution details, then restart the task"
}
func (e *RuntimeFailureError) Is(target error) bool { return target == ErrRuntimeFailure }

// ExecutionActiveError is the launcher precondition failure: the task already
// has a running execution.
type ExecutionActiveError struct {
	TaskID      string
	ExecutionID string
}

func (e *ExecutionActiveError) Error() string {
	return fmt.Sprintf("task %s already has running execution %s", e.TaskID, e.ExecutionID)
}
func (e *ExecutionActiveError) ErrorCode() string { return "EXECUTION_ACTIVE" }
func (e *ExecutionActiveError) Context() map[string]string {
	return map[string]string{"task_id": e.TaskID, "execution_id": e.ExecutionID}
}
func (e *ExecutionActiveError) SuggestedAction() string {
	return "wait for the running execution to finish or cancel it"
}
func (e *ExecutionActiveError) Is(target error) bool { return target == ErrExecutionActive }

// TaskNotFoundError is returned when a task id does not resolve.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string { return fmt.Sprintf("task not found: %s", e.TaskID) }
func (e *TaskNotFoundError) ErrorCode() string { return "TASK_NOT_FOUND" }
func (e *TaskNotFoundError) Context() map[string]string {
	return map[string]string{"task_id": e.TaskID}
}
func (e *TaskNotFoundError) SuggestedAction() string { return "loopd task list" }
func (e *TaskNotFoundError) Is(target error) bool { return target == ErrTaskNotFound }

// SpecMissingError is returned when a phase would start without input text.
type SpecMissingError struct {
	TaskID string
}

func (e *SpecMissingError) Error() string {
	return "task must have a description (spec) to run a phase"
}
func (e *SpecMissingError) ErrorCode() string { return "SPEC_MISSING" }
func (e *SpecMissingError) Context() map[string]string {
	return map[string]string{"task_id": e.TaskID}
}
func (e *SpecMissingError) SuggestedAction() string {
	return "set a task description before starting the plan phase"
}
func (e *SpecMissingError) Is(target error) bool { return target == ErrSpecMissing }

// VersionConflictError is the optimistic concurrency failure.
type VersionConflictError struct {
	Entity  string
	ID      string
	Version int
}

func (e *VersionConflictError) Error() string { return ErrVersionConflict.Error() }
func (e *VersionConflictError) ErrorCode() string { return "VERSION_CONFLICT" }
func (e *VersionConflictError) Context() map[string]string {
	return map[string]string{
		"entity":  e.Entity,
		"id":      e.ID,
		"version": fmt.Sprint(e.Version),
	}
}
func (e *VersionConflictError) SuggestedAction() string { return "reload and retry the operation" }
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
