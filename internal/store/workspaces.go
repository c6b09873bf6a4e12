package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dotcommander/loopd/internal/models"
)

// SetWorkspace binds path as the task's current workspace, replacing any
// earlier binding. Executions keep the workspace id they launched with.
func SetWorkspace(db *sql.DB, taskID, path string) (*models.Workspace, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("workspace path is required")
	}

	var ws *models.Workspace
	err := Transact(db, func(tx *sql.Tx) error {
		if _, err := GetTaskTx(tx, taskID); err != nil {
			return err
		}
		var err error
		ws, err = setWorkspaceTx(tx, taskID, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// CreateTaskWithWorkspace creates a task and binds its workspace atomically.
// An empty path creates the task unbound.
func CreateTaskWithWorkspace(db *sql.DB, title, description, path string) (*models.Task, *models.Workspace, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil, errors.New("task title is required")
	}
	path = strings.TrimSpace(path)

	var (
		task *models.Task
		ws   *models.Workspace
	)
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		task, err = CreateTaskTx(tx, title, description)
		if err != nil {
			return err
		}
		if path == "" {
			ws = nil
			return nil
		}
		ws, err = setWorkspaceTx(tx, task.ID, path)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return task, ws, nil
}

func setWorkspaceTx(tx *sql.Tx, taskID, path string) (*models.Workspace, error) {
	existing, err := getWorkspaceTx(tx, taskID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if existing != nil {
		if existing.Path == path {
			return existing, nil
		}
		if _, err := tx.ExecContext(context.Background(), `UPDATE workspaces SET path = ? WHERE id = ?`, path, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to update workspace: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(context.Background(), `
			INSERT INTO workspaces (id, task_id, path, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		`, generateWorkspaceID(), taskID, path); err != nil {
			return nil, fmt.Errorf("failed to insert workspace: %w", err)
		}
	}

	if _, err := InsertEventTx(tx, models.EventKindWorkspaceSet, taskID, "", fmt.Sprintf("Workspace set: %s", path), map[string]any{"path": path}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return getWorkspaceTx(tx, taskID)
}

// GetWorkspace returns the task's current workspace, or nil when none is bound.
func GetWorkspace(db *sql.DB, taskID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := RetryWithBackoff(func() error {
		return db.QueryRowContext(context.Background(), `
			SELECT id, task_id, path, created_at FROM workspaces WHERE task_id = ?
		`, taskID).Scan(&ws.ID, &ws.TaskID, &ws.Path, &ws.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

func getWorkspaceTx(tx *sql.Tx, taskID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := tx.QueryRowContext(context.Background(), `
		SELECT id, task_id, path, created_at FROM workspaces WHERE task_id = ?
	`, taskID).Scan(&ws.ID, &ws.TaskID, &ws.Path, &ws.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}
