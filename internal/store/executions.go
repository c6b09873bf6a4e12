package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/transition"
)

// ReserveParams describes an execution about to be spawned.
type ReserveParams struct {
	TaskID      string
	WorkspaceID string
	Kind        models.RunKind
	// Action is the user action being served. Required for phase runs, where
	// the phase state is re-validated inside the reservation transaction.
	Action     transition.Action
	Phase      models.Phase
	Command    string
	NextAction string
}

// Reservation is the committed result of ReserveExecution.
type Reservation struct {
	Execution *models.Execution
	Task      *models.Task
	// PrevState is the phase state before the reservation, used to revert
	// when the spawn fails.
	PrevState models.PhaseState
	Events    []models.Event
}

// ReserveExecution atomically records a Running execution for a task.
//
// For phase runs it re-reads the task, validates the action against the
// current phase state and CAS-updates phase_state in the same transaction.
// For every kind it refuses when another execution of the task is already
// running. Two concurrent reservations for the same task therefore cannot
// both commit.
func ReserveExecution(db *sql.DB, p ReserveParams) (*Reservation, error) {
	if p.Kind == models.RunKindPhase && !p.Phase.Valid() {
		return nil, fmt.Errorf("phase run requires a phase, got %q", p.Phase)
	}
	if p.Kind == models.RunKindOrdinary && strings.TrimSpace(p.Command) == "" {
		return nil, errors.New("ordinary execution requires a command")
	}

	var out *Reservation
	err := Transact(db, func(tx *sql.Tx) error {
		task, err := GetTaskTx(tx, p.TaskID)
		if err != nil {
			return err
		}

		var next models.PhaseState
		if p.Kind == models.RunKindPhase {
			next, err = validateForTask(task, p.Action)
			if err != nil {
				return err
			}
		}

		if running, err := runningExecutionIDTx(tx, p.TaskID); err != nil {
			return err
		} else if running != "" {
			return &models.ExecutionActiveError{TaskID: p.TaskID, ExecutionID: running}
		}

		r := &Reservation{PrevState: task.PhaseState}
		if p.Kind == models.RunKindPhase {
			ev, err := setPhaseStateTx(tx, task, next, string(p.Action))
			if err != nil {
				return err
			}
			r.Events = append(r.Events, ev)
		}

		execID := generateExecutionID()
		var phase any
		if p.Kind == models.RunKindPhase {
			phase = p.Phase
		}
		_, err = tx.ExecContext(context.Background(), `
			INSERT INTO executions (id, task_id, workspace_id, kind, phase, status, command, next_action, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, execID, p.TaskID, nullableString(p.WorkspaceID), p.Kind, phase, models.ExecStatusRunning, p.Command, nullableString(p.NextAction))
		if err != nil {
			if isUniqueViolation(err) {
				return &models.ExecutionActiveError{TaskID: p.TaskID}
			}
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		msg := fmt.Sprintf("Execution started: %s", p.Kind)
		if p.Kind == models.RunKindPhase {
			msg = fmt.Sprintf("Execution started: %s phase", p.Phase)
		}
		ev, err := InsertEventTx(tx, models.EventKindExecutionStarted, p.TaskID, execID, msg,
			map[string]any{"kind": p.Kind, "phase": p.Phase, "command": p.Command})
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		r.Events = append(r.Events, ev)

		if r.Execution, err = getExecutionTx(tx, execID); err != nil {
			return err
		}
		if r.Task, err = GetTaskTx(tx, p.TaskID); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetExecutionPID records the spawned process id.
func SetExecutionPID(db *sql.DB, executionID string, pid int) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `UPDATE executions SET pid = ? WHERE id = ?`, pid, executionID)
		if err != nil {
			return fmt.Errorf("failed to set pid: %w", err)
		}
		return nil
	})
}

// FinishParams describes the terminal update for one execution.
type FinishParams struct {
	ExecutionID string
	Status      models.ExecStatus
	ExitCode    *int
	Signal      string
	LogTail     string
	Dropped     bool
	// Action, when set, is applied to the owning task's phase state in the
	// same transaction, through the transition table.
	Action transition.Action
}

// FinishResult reports what FinishExecution committed.
type FinishResult struct {
	// Applied is false when the execution was no longer running; nothing was changed.
	Applied   bool
	Execution *models.Execution
	From      models.PhaseState
	To        models.PhaseState
	// PhaseChanged is false when no action was requested or the task was no
	// longer in a state the action applies to.
	PhaseChanged  bool
	TransitionErr error
	Events        []models.Event
}

// FinishExecution moves a running execution to a terminal status, at most once.
// The update is conditional on status = 'running': a second call for the same
// execution, or a call after cancel already marked it killed, returns
// Applied=false and mutates nothing.
func FinishExecution(db *sql.DB, p FinishParams) (*FinishResult, error) {
	if !p.Status.IsTerminal() {
		return nil, fmt.Errorf("finish requires a terminal status, got %q", p.Status)
	}

	var out *FinishResult
	err := Transact(db, func(tx *sql.Tx) error {
		r, err := finishExecutionTx(tx, p)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FinishExecutionTx is FinishExecution inside the caller's transaction.
func FinishExecutionTx(tx *sql.Tx, p FinishParams) (*FinishResult, error) {
	if !p.Status.IsTerminal() {
		return nil, fmt.Errorf("finish requires a terminal status, got %q", p.Status)
	}
	return finishExecutionTx(tx, p)
}

func finishExecutionTx(tx *sql.Tx, p FinishParams) (*FinishResult, error) {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE executions
		SET status = ?, exit_code = ?, signal = ?, log_tail = ?, dropped = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running'
	`, p.Status, nullableInt(p.ExitCode), nullableString(p.Signal), nullableString(p.LogTail), p.Dropped, p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to finish execution: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if ra == 0 {
		// Already terminal. Keep late output for diagnostics without touching status.
		if p.LogTail != "" {
			if _, err := tx.ExecContext(context.Background(), `
				UPDATE executions SET log_tail = ? WHERE id = ? AND log_tail IS NULL
			`, p.LogTail, p.ExecutionID); err != nil {
				return nil, fmt.Errorf("failed to attach log tail: %w", err)
			}
		}
		exec, err := getExecutionTx(tx, p.ExecutionID)
		if err != nil {
			return nil, err
		}
		return &FinishResult{Applied: false, Execution: exec}, nil
	}

	exec, err := getExecutionTx(tx, p.ExecutionID)
	if err != nil {
		return nil, err
	}
	out := &FinishResult{Applied: true, Execution: exec}

	meta := map[string]any{"status": p.Status, "kind": exec.Kind}
	if exec.Phase != "" {
		meta["phase"] = exec.Phase
	}
	if p.ExitCode != nil {
		meta["exit_code"] = *p.ExitCode
	}
	if p.Signal != "" {
		meta["signal"] = p.Signal
	}
	kind := models.EventKindExecutionFinished
	msg := fmt.Sprintf("Execution %s", p.Status)
	if p.Dropped {
		kind = models.EventKindExecutionDropped
		msg = "Execution abandoned by a previous orchestrator process"
	}
	ev, err := InsertEventTx(tx, kind, exec.TaskID, exec.ID, msg, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	out.Events = append(out.Events, ev)

	if p.Action == "" {
		return out, nil
	}

	task, err := GetTaskTx(tx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	out.From = task.PhaseState
	next, verr := validateForTask(task, p.Action)
	if verr != nil {
		// The record is still finished; the task moved on without it.
		out.TransitionErr = verr
		out.To = task.PhaseState
		return out, nil
	}
	pev, err := setPhaseStateTx(tx, task, next, string(p.Action))
	if err != nil {
		return nil, err
	}
	out.To = next
	out.PhaseChanged = true
	out.Events = append(out.Events, pev)
	return out, nil
}

// RevertReservation compensates a reservation whose spawn or input write
// failed: the record becomes failed and the task returns to prevState, but
// only if it is still in the state the reservation moved it to.
func RevertReservation(db *sql.DB, r *Reservation, cause error) ([]models.Event, error) {
	var events []models.Event
	err := Transact(db, func(tx *sql.Tx) error {
		events = nil
		res, err := tx.ExecContext(context.Background(), `
			UPDATE executions SET status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running'
		`, models.ExecStatusFailed, r.Execution.ID)
		if err != nil {
			return fmt.Errorf("failed to revert execution: %w", err)
		}
		if ra, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if ra == 0 {
			return nil
		}

		msg := "Launch reverted"
		if cause != nil {
			msg = fmt.Sprintf("Launch reverted: %v", cause)
		}
		if len(msg) > MaxEventMessageLength {
			msg = msg[:MaxEventMessageLength]
		}
		ev, err := InsertEventTx(tx, models.EventKindExecutionReverted, r.Execution.TaskID, r.Execution.ID, msg,
			map[string]any{"restore_phase_state": r.PrevState})
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		events = append(events, ev)

		if !r.Execution.IsPhaseRun() {
			return nil
		}
		task, err := GetTaskTx(tx, r.Execution.TaskID)
		if err != nil {
			return err
		}
		if task.PhaseState != r.Task.PhaseState {
			return nil
		}
		pev, err := setPhaseStateTx(tx, task, r.PrevState, "launch-reverted")
		if err != nil {
			return err
		}
		events = append(events, pev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CancelResult reports the committed effect of CancelTask.
type CancelResult struct {
	Task *models.Task
	From models.PhaseState
	// Killed is the phase execution that was running, if any.
	Killed *models.Execution
	Events []models.Event
}

// CancelTask validates cancel, moves the task to inactive and marks its
// running phase execution killed, all in one transaction. Only a phase run is
// killed: an ordinary execution (a script started with RunScript) belongs to
// the task's ordinary workflow and keeps running to its own completion.
func CancelTask(db *sql.DB, taskID string) (*CancelResult, error) {
	var out *CancelResult
	err := Transact(db, func(tx *sql.Tx) error {
		task, err := GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		next, err := validateForTask(task, transition.ActionCancel)
		if err != nil {
			return err
		}

		r := &CancelResult{From: task.PhaseState}
		cev, err := InsertEventTx(tx, models.EventKindCancelRequested, taskID, "", "Cancel requested",
			map[string]any{"from": task.PhaseState})
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		r.Events = append(r.Events, cev)

		pev, err := setPhaseStateTx(tx, task, next, string(transition.ActionCancel))
		if err != nil {
			return err
		}
		r.Events = append(r.Events, pev)

		runningID, err := runningExecutionIDTx(tx, taskID)
		if err != nil {
			return err
		}
		if runningID != "" {
			running, err := getExecutionTx(tx, runningID)
			if err != nil {
				return err
			}
			if running.IsPhaseRun() {
				fr, err := finishExecutionTx(tx, FinishParams{
					ExecutionID: runningID,
					Status:      models.ExecStatusKilled,
				})
				if err != nil {
					return err
				}
				r.Killed = fr.Execution
				r.Events = append(r.Events, fr.Events...)
			}
		}

		if r.Task, err = GetTaskTx(tx, taskID); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetExecution retrieves an execution by ID.
func GetExecution(db *sql.DB, executionID string) (*models.Execution, error) {
	var exec *models.Execution
	err := RetryWithBackoff(func() error {
		row := db.QueryRowContext(context.Background(), `SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
		e, err := scanExecutionRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution not found: %s", executionID)
		}
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		exec = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns a task's executions in launch order.
func ListExecutions(db *sql.DB, taskID string) ([]*models.Execution, error) {
	return queryExecutions(db, `SELECT `+executionColumns+` FROM executions WHERE task_id = ? ORDER BY started_at ASC, rowid ASC`, taskID)
}

// ListRunningExecutions returns every execution still marked running.
func ListRunningExecutions(db *sql.DB) ([]*models.Execution, error) {
	return queryExecutions(db, `SELECT `+executionColumns+` FROM executions WHERE status = 'running' ORDER BY started_at ASC, rowid ASC`)
}

// CountRunning returns the number of running executions for a task.
func CountRunning(db *sql.DB, taskID string) (int, error) {
	var n int
	err := RetryWithBackoff(func() error {
		return db.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM executions WHERE task_id = ? AND status = 'running'`, taskID).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return n, nil
}

func queryExecutions(db *sql.DB, query string, args ...any) ([]*models.Execution, error) {
	var out []*models.Execution
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), query, args...)
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.Execution, 0)
		for rows.Next() {
			e, err := scanExecutionRow(rows)
			if err != nil {
				return fmt.Errorf("failed to scan execution: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getExecutionTx(tx *sql.Tx, executionID string) (*models.Execution, error) {
	row := tx.QueryRowContext(context.Background(), `SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	e, err := scanExecutionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution not found: %s", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func runningExecutionIDTx(tx *sql.Tx, taskID string) (string, error) {
	var id string
	err := tx.QueryRowContext(context.Background(),
		`SELECT id FROM executions WHERE task_id = ? AND status = 'running' LIMIT 1`, taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check running executions: %w", err)
	}
	return id, nil
}
