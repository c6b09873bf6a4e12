package models

// Event kinds written to the audit log and published to subscribers.
const (
	EventKindTaskCreated         = "task_created"
	EventKindWorkspaceSet        = "workspace_set"
	EventKindPhaseChanged        = "phase_changed"
	EventKindExecutionStarted    = "execution_started"
	EventKindExecutionFinished   = "execution_finished"
	EventKindExecutionReverted   = "execution_reverted"
	EventKindExecutionDropped    = "execution_dropped"
	EventKindCancelRequested     = "cancel_requested"
	EventKindTaskFinalized       = "task_finalized"
	EventKindNextActionScheduled = "next_action_scheduled"
)
