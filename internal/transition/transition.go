// Package transition holds the phase-state table for the plan/build workflow.
// It performs no I/O: every caller that mutates a task's phase_state asks
// Validate first and persists only the state it returns.
package transition

import (
	"fmt"
	"slices"

	"github.com/dotcommander/loopd/internal/models"
)

// Action is a request to move a task through the workflow.
type Action string

// User-facing actions.
const (
	ActionStart   Action = "start"
	ActionApprove Action = "approve"
	ActionReplan  Action = "replan"
	ActionCancel  Action = "cancel"
	ActionRestart Action = "restart"
	ActionReset   Action = "reset"
)

// Internal actions, applied by the exit monitor and the orphan sweep.
const (
	ActionPlanSucceeded  Action = "plan-succeeded"
	ActionPlanFailed     Action = "plan-failed"
	ActionBuildSucceeded Action = "build-succeeded"
	ActionBuildFailed    Action = "build-failed"
)

type rule struct {
	from []models.PhaseState
	to   models.PhaseState
}

//nolint:gochecknoglobals // immutable lookup table
var table = map[Action]rule{
	ActionStart: {
		from: []models.PhaseState{models.PhaseStateInactive, models.PhaseStateFailed},
		to:   models.PhaseStatePlanning,
	},
	ActionPlanSucceeded: {
		from: []models.PhaseState{models.PhaseStatePlanning},
		to:   models.PhaseStateAwaitingApproval,
	},
	ActionPlanFailed: {
		from: []models.PhaseState{models.PhaseStatePlanning},
		to:   models.PhaseStateFailed,
	},
	ActionApprove: {
		from: []models.PhaseState{models.PhaseStateAwaitingApproval},
		to:   models.PhaseStateBuilding,
	},
	ActionReplan: {
		from: []models.PhaseState{models.PhaseStateAwaitingApproval},
		to:   models.PhaseStatePlanning,
	},
	ActionBuildSucceeded: {
		from: []models.PhaseState{models.PhaseStateBuilding},
		to:   models.PhaseStateCompleted,
	},
	ActionBuildFailed: {
		from: []models.PhaseState{models.PhaseStateBuilding},
		to:   models.PhaseStateFailed,
	},
	ActionCancel: {
		from: []models.PhaseState{
			models.PhaseStatePlanning,
			models.PhaseStateAwaitingApproval,
			models.PhaseStateBuilding,
			models.PhaseStateFailed,
		},
		to: models.PhaseStateInactive,
	},
	ActionRestart: {
		from: []models.PhaseState{models.PhaseStateFailed},
		to:   models.PhaseStatePlanning,
	},
	ActionReset: {
		from: []models.PhaseState{models.PhaseStateCompleted},
		to:   models.PhaseStateInactive,
	},
}

// Validate returns the phase state that action leads to from current, or an
// *models.InvalidTransitionError when the table has no such edge.
func Validate(current models.PhaseState, action Action) (models.PhaseState, error) {
	r, ok := table[action]
	if !ok || !slices.Contains(r.from, current) {
		return "", &models.InvalidTransitionError{
			From:    current,
			Action:  string(action),
			Allowed: AllowedFrom(action),
		}
	}
	return r.to, nil
}

// AllowedFrom lists the states action may be applied from. Nil for unknown actions.
func AllowedFrom(action Action) []models.PhaseState {
	r, ok := table[action]
	if !ok {
		return nil
	}
	return slices.Clone(r.from)
}

// SuccessAction is the internal action applied when a phase process exits 0.
func SuccessAction(phase models.Phase) Action {
	if phase == models.PhaseBuild {
		return ActionBuildSucceeded
	}
	return ActionPlanSucceeded
}

// FailureAction is the internal action applied when a phase process fails,
// is killed, or is abandoned by a crashed orchestrator.
func FailureAction(phase models.Phase) Action {
	if phase == models.PhaseBuild {
		return ActionBuildFailed
	}
	return ActionPlanFailed
}

// LaunchPhase reports which phase a user action spawns, if any.
func LaunchPhase(action Action) (models.Phase, bool) {
	switch action {
	case ActionStart, ActionReplan, ActionRestart:
		return models.PhasePlan, true
	case ActionApprove:
		return models.PhaseBuild, true
	}
	return "", false
}

// Actions returns every action in the table, user-facing first.
func Actions() []Action {
	return []Action{
		ActionStart, ActionApprove, ActionReplan, ActionCancel, ActionRestart, ActionReset,
		ActionPlanSucceeded, ActionPlanFailed, ActionBuildSucceeded, ActionBuildFailed,
	}
}

// States returns every phase state.
func States() []models.PhaseState {
	return []models.PhaseState{
		models.PhaseStateInactive,
		models.PhaseStatePlanning,
		models.PhaseStateAwaitingApproval,
		models.PhaseStateBuilding,
		models.PhaseStateCompleted,
		models.PhaseStateFailed,
	}
}

// ParseAction maps a user-supplied name to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := table[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ParsePhaseState maps a stored string to a PhaseState.
func ParsePhaseState(s string) (models.PhaseState, error) {
	st := models.PhaseState(s)
	if !slices.Contains(States(), st) {
		return "", fmt.Errorf("unknown phase state %q", s)
	}
	return st, nil
}
