// Package sweep fails executions left running by an orchestrator process that
// is no longer alive. It must run before any new launch is accepted.
package sweep

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/transition"
)

// Report summarizes one sweep.
type Report struct {
	Recovered    int      `json:"recovered"`
	ExecutionIDs []string `json:"execution_ids"`
	TaskIDs      []string `json:"task_ids"`
	Failed       int      `json:"failed"`
}

// Deps are the collaborators of Run.
type Deps struct {
	DB        *sql.DB
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Run marks every running execution failed and dropped. Phase runs also move
// their task to Failed when it is still in the phase's active state. Records
// that cannot be updated are logged and counted; listing failures are returned.
func Run(d Deps) (*Report, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	running, err := store.ListRunningExecutions(d.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}

	rep := &Report{ExecutionIDs: []string{}, TaskIDs: []string{}}
	for _, e := range running {
		var action transition.Action
		if e.IsPhaseRun() {
			action = transition.FailureAction(e.Phase)
		}
		log := d.Logger.With("task_id", e.TaskID, "execution_id", e.ID, "kind", e.Kind, "phase", e.Phase)

		fr, err := store.FinishExecution(d.DB, store.FinishParams{
			ExecutionID: e.ID,
			Status:      models.ExecStatusFailed,
			Dropped:     true,
			Action:      action,
		})
		if err != nil {
			log.Error("failed to recover orphaned execution", "error", err, "alert", true)
			d.Metrics.PersistFailed("sweep")
			rep.Failed++
			continue
		}
		if !fr.Applied {
			continue
		}

		rep.Recovered++
		rep.ExecutionIDs = append(rep.ExecutionIDs, e.ID)
		rep.TaskIDs = append(rep.TaskIDs, e.TaskID)
		d.Metrics.Finished(string(e.Kind), string(e.Phase), string(models.ExecStatusFailed), 0)
		if fr.PhaseChanged {
			d.Metrics.Transition(string(fr.From), string(fr.To))
		}
		publish.All(d.Publisher, fr.Events)
		log.Info("orphaned execution recovered", "phase_state", fr.To)
	}

	d.Metrics.Recovered(rep.Recovered)
	if rep.Recovered > 0 || rep.Failed > 0 {
		d.Logger.Info("orphan sweep finished", "recovered", rep.Recovered, "failed", rep.Failed)
	}
	return rep, nil
}
