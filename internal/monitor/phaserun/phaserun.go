// Package phaserun applies the terminal update for a plan or build process.
//
// It is deliberately the only thing the exit monitor does for a phase run:
// this package has no access to the ordinary completion pipeline, so it
// cannot change Task.status or schedule a follow-up action.
package phaserun

import (
	"database/sql"
	"log/slog"

	"github.com/dotcommander/loopd/internal/launcher"
	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
)

// Deps are the collaborators of Finish.
type Deps struct {
	DB        *sql.DB
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Finish classifies res, moves the execution to its terminal status and the
// task to the phase's success or failure state in one transaction, then
// publishes what was committed. It returns true only for the call that
// applied the update; later calls for the same execution are no-ops.
func Finish(d Deps, h *launcher.Handle, res launcher.Result) bool {
	status := res.Status()
	action := transition.FailureAction(h.Phase)
	if status == models.ExecStatusCompleted {
		action = transition.SuccessAction(h.Phase)
	}

	log := d.Logger.With(
		"task_id", h.TaskID,
		"execution_id", h.ExecutionID,
		"phase", h.Phase,
	)

	fr, err := store.FinishExecution(d.DB, store.FinishParams{
		ExecutionID: h.ExecutionID,
		Status:      status,
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		LogTail:     res.Tail,
		Action:      action,
	})
	if err != nil {
		log.Error("failed to persist phase exit", "status", status, "error", err, "alert", true)
		d.Metrics.PersistFailed("monitor")
		return false
	}
	if !fr.Applied {
		log.Info("phase exit ignored, execution already terminal", "recorded_status", fr.Execution.Status)
		return false
	}

	d.Metrics.Finished(string(models.RunKindPhase), string(h.Phase), string(status), res.Duration())
	if fr.PhaseChanged {
		d.Metrics.Transition(string(fr.From), string(fr.To))
	} else if fr.TransitionErr != nil {
		log.Warn("execution finished but task phase state had moved on", "phase_state", fr.From, "error", fr.TransitionErr)
	}
	publish.All(d.Publisher, fr.Events)

	if status == models.ExecStatusCompleted {
		log.Info("phase run completed", "phase_state", fr.To)
	} else {
		failure := &models.RuntimeFailureError{
			ExecutionID: h.ExecutionID,
			Phase:       h.Phase,
			ExitCode:    res.ExitCode,
			Signal:      res.Signal,
		}
		attrs := []any{"status", status, "phase_state", fr.To, "error", failure.Error()}
		if res.Err != nil {
			attrs = append(attrs, "wait_error", res.Err)
		}
		log.Info("phase run failed", attrs...)
	}
	return true
}
