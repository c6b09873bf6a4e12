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

// CreateTask creates a new task. New tasks start in status todo and phase
// state inactive, version 1.
func CreateTask(db *sql.DB, title, description string) (*models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("task title is required")
	}

	var task *models.Task
	err := Transact(db, func(tx *sql.Tx) error {
		created, err := CreateTaskTx(tx, title, description)
		if err != nil {
			return err
		}
		task = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTaskTx inserts and returns a task inside an existing transaction.
func CreateTaskTx(tx *sql.Tx, title, description string) (*models.Task, error) {
	taskID := generateTaskID()

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO tasks (id, title, description, status, phase_state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, taskID, title, description, models.TaskStatusTodo, models.PhaseStateInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	if _, err := InsertEventTx(tx, models.EventKindTaskCreated, taskID, "", fmt.Sprintf("Task created: %s", title), nil); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	return GetTaskTx(tx, taskID)
}

// GetTask retrieves a task by ID. Returns *models.TaskNotFoundError when absent.
func GetTask(db *sql.DB, taskID string) (*models.Task, error) {
	var task *models.Task
	err := RetryWithBackoff(func() error {
		row := db.QueryRowContext(context.Background(), `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := scanTaskRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.TaskNotFoundError{TaskID: taskID}
		}
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTaskTx retrieves a task inside an existing transaction.
func GetTaskTx(tx *sql.Tx, taskID string) (*models.Task, error) {
	row := tx.QueryRowContext(context.Background(), `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks, newest first, optionally filtered by phase state.
func ListTasks(db *sql.DB, phaseState models.PhaseState) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if phaseState != "" {
		query += ` WHERE phase_state = ?`
		args = append(args, phaseState)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var tasks []*models.Task
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), query, args...)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		defer func() { _ = rows.Close() }()

		tasks = make([]*models.Task, 0)
		for rows.Next() {
			t, err := scanTaskRow(rows)
			if err != nil {
				return fmt.Errorf("failed to scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// setPhaseStateTx CAS-updates phase_state and appends a phase_changed event.
func setPhaseStateTx(tx *sql.Tx, task *models.Task, next models.PhaseState, reason string) (models.Event, error) {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET phase_state = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, next, task.ID, task.Version)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to update phase state: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return models.Event{}, &models.VersionConflictError{Entity: "task", ID: task.ID, Version: task.Version}
	}

	return InsertEventTx(tx, models.EventKindPhaseChanged, task.ID, "",
		fmt.Sprintf("Phase state %s -> %s", task.PhaseState, next),
		map[string]any{"from": task.PhaseState, "to": next, "reason": reason})
}

// TransitionResult describes a committed phase-state change.
type TransitionResult struct {
	Task   *models.Task
	From   models.PhaseState
	Events []models.Event
}

// ApplyTransition validates action against the task's current phase state
// and persists the result. Used for actions with no process side effect.
func ApplyTransition(db *sql.DB, taskID string, action transition.Action) (*TransitionResult, error) {
	var out *TransitionResult
	err := Transact(db, func(tx *sql.Tx) error {
		task, err := GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		next, err := validateForTask(task, action)
		if err != nil {
			return err
		}
		ev, err := setPhaseStateTx(tx, task, next, string(action))
		if err != nil {
			return err
		}
		updated, err := GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		out = &TransitionResult{Task: updated, From: task.PhaseState, Events: []models.Event{ev}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTaskStatusTx writes the ordinary workflow status. Only the generic
// completion pipeline calls this.
func SetTaskStatusTx(tx *sql.Tx, taskID string, status models.TaskStatus) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return &models.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

func validateForTask(task *models.Task, action transition.Action) (models.PhaseState, error) {
	next, err := transition.Validate(task.PhaseState, action)
	if err != nil {
		var ite *models.InvalidTransitionError
		if errors.As(err, &ite) {
			ite.TaskID = task.ID
		}
		return "", err
	}
	return next, nil
}

// ResetTask returns a completed task to inactive.
func ResetTask(db *sql.DB, taskID string) (*TransitionResult, error) {
	return ApplyTransition(db, taskID, transition.ActionReset)
}
