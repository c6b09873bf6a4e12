package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/loopd/internal/models"
)

// Transact runs fn in a write transaction wrapped with RetryWithBackoff.
// fn must only use tx: the pool holds a single connection, so touching db
// inside fn deadlocks. fn may run more than once; state it builds must be
// reset at the top of each attempt.
func Transact(db *sql.DB, fn func(tx *sql.Tx) error) error {
	return RetryWithBackoff(func() error {
		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		return nil
	})
}

// View runs fn in a read-only transaction so its reads see one snapshot.
func View(db *sql.DB, fn func(tx *sql.Tx) error) error {
	return RetryWithBackoff(func() error {
		tx, err := db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return fmt.Errorf("failed to begin read transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		return fn(tx)
	})
}

// TaskSnapshot is a consistent read of a task, its workspace and its most
// recent execution of any kind.
type TaskSnapshot struct {
	Task      *models.Task
	Workspace *models.Workspace
	Latest    *models.Execution
}

// GetTaskSnapshot reads a TaskSnapshot. Workspace and Latest are nil when the
// task has none.
func GetTaskSnapshot(db *sql.DB, taskID string) (*TaskSnapshot, error) {
	var out *TaskSnapshot
	err := View(db, func(tx *sql.Tx) error {
		task, err := GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		s := &TaskSnapshot{Task: task}

		ws, err := getWorkspaceTx(tx, taskID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to get workspace: %w", err)
		default:
			s.Workspace = ws
		}

		row := tx.QueryRowContext(context.Background(), `SELECT `+executionColumns+`
			FROM executions WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, taskID)
		latest, err := scanExecutionRow(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to get latest execution: %w", err)
		default:
			s.Latest = latest
		}

		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
