// Package finalize is the completion pipeline for ordinary executions. It
// updates the task's ordinary workflow status and chains follow-up commands.
// Phase runs never reach it.
package finalize

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dotcommander/loopd/internal/launcher"
	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
)

// Scheduler launches follow-up ordinary executions.
type Scheduler interface {
	LaunchOrdinary(ctx context.Context, taskID, command, nextAction string) (*models.Execution, error)
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	DB        *sql.DB
	Scheduler Scheduler
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Pipeline implements monitor.Pipeline.
type Pipeline struct {
	db        *sql.DB
	scheduler Scheduler
	publisher publish.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds a Pipeline.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	return &Pipeline{
		db:        d.DB,
		scheduler: d.Scheduler,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Complete finishes the record, moves Task.status to in_review on success or
// in_progress on failure, and schedules the record's next_action after a
// successful exit. It reports whether this call applied the terminal update.
func (p *Pipeline) Complete(ctx context.Context, h *launcher.Handle, res launcher.Result) bool {
	log := p.logger.With("task_id", h.TaskID, "execution_id", h.ExecutionID, "kind", h.Kind)
	status := res.Status()

	taskStatus := models.TaskStatusInProgress
	if status == models.ExecStatusCompleted {
		taskStatus = models.TaskStatusInReview
	}

	var fr *store.FinishResult
	err := store.Transact(p.db, func(tx *sql.Tx) error {
		r, err := store.FinishExecutionTx(tx, store.FinishParams{
			ExecutionID: h.ExecutionID,
			Status:      status,
			ExitCode:    res.ExitCode,
			Signal:      res.Signal,
			LogTail:     res.Tail,
		})
		if err != nil {
			return err
		}
		fr = r
		if !r.Applied {
			return nil
		}
		if err := store.SetTaskStatusTx(tx, h.TaskID, taskStatus); err != nil {
			return err
		}
		ev, err := store.InsertEventTx(tx, models.EventKindTaskFinalized, h.TaskID, h.ExecutionID,
			fmt.Sprintf("Task status set to %s", taskStatus),
			map[string]any{"status": taskStatus, "execution_status": status})
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		r.Events = append(r.Events, ev)
		return nil
	})
	if err != nil {
		log.Error("failed to persist ordinary exit", "status", status, "error", err, "alert", true)
		p.metrics.PersistFailed("finalize")
		return false
	}
	if !fr.Applied {
		log.Info("exit ignored, execution already terminal", "recorded_status", fr.Execution.Status)
		return false
	}

	p.metrics.Finished(string(models.RunKindOrdinary), "", string(status), res.Duration())
	publish.All(p.publisher, fr.Events)
	log.Info("execution finalized", "status", status, "task_status", taskStatus)

	if status == models.ExecStatusCompleted && fr.Execution.NextAction != "" {
		p.scheduleNext(ctx, log, fr.Execution)
	}
	return true
}

func (p *Pipeline) scheduleNext(ctx context.Context, log *slog.Logger, prev *models.Execution) {
	if p.scheduler == nil {
		log.Warn("next action dropped, no scheduler configured", "next_action", prev.NextAction)
		return
	}
	next, err := p.scheduler.LaunchOrdinary(ctx, prev.TaskID, prev.NextAction, "")
	if err != nil {
		log.Warn("failed to launch next action", "next_action", prev.NextAction, "error", err)
		return
	}
	ev, err := store.AppendEvent(p.db, models.EventKindNextActionScheduled, prev.TaskID, next.ID,
		"Next action scheduled",
		map[string]any{"command": prev.NextAction, "previous_execution_id": prev.ID})
	if err != nil {
		log.Warn("failed to record next action", "error", err)
		return
	}
	p.publisher.Publish(prev.TaskID, ev)
}
