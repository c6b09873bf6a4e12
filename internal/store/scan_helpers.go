package store

import (
	"database/sql"
	"time"

	"github.com/dotcommander/loopd/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanNullString converts sql.NullString to string (empty if NULL)
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanNullTime converts sql.NullTime to *time.Time (nil if NULL)
func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

func scanNullInt(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const taskColumns = `id, title, description, status, phase_state, version, created_at, updated_at`

func scanTaskRow(row rowScanner) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.PhaseState,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

const executionColumns = `id, task_id, workspace_id, kind, phase, status, command, next_action,
	pid, exit_code, signal, dropped, log_tail, started_at, completed_at`

func scanExecutionRow(row rowScanner) (*models.Execution, error) {
	var (
		e           models.Execution
		workspaceID sql.NullString
		phase       sql.NullString
		nextAction  sql.NullString
		pid         sql.NullInt64
		exitCode    sql.NullInt64
		signal      sql.NullString
		logTail     sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.TaskID,
		&workspaceID,
		&e.Kind,
		&phase,
		&e.Status,
		&e.Command,
		&nextAction,
		&pid,
		&exitCode,
		&signal,
		&e.Dropped,
		&logTail,
		&e.StartedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	e.WorkspaceID = scanNullString(workspaceID)
	e.Phase = models.Phase(scanNullString(phase))
	e.NextAction = scanNullString(nextAction)
	e.PID = scanNullInt(pid)
	e.ExitCode = scanNullInt(exitCode)
	e.Signal = scanNullString(signal)
	e.LogTail = scanNullString(logTail)
	e.CompletedAt = scanNullTime(completedAt)
	return &e, nil
}
