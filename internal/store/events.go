package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotcommander/loopd/internal/models"
)

// Event payload size constraints enforced by ValidateEventPayload.
const (
	MaxEventKindLength     = 128
	MaxEventMessageLength  = 4096
	MaxEventMetadataLength = 16384
)

// ValidateEventPayload enforces event payload constraints for durability and safety.
func ValidateEventPayload(kind, taskID, message string, metadata json.RawMessage) error {
	kind = strings.TrimSpace(kind)
	message = strings.TrimSpace(message)

	if kind == "" {
		return errors.New("event kind is required")
	}
	if len(kind) > MaxEventKindLength {
		return fmt.Errorf("event kind exceeds max length (%d)", MaxEventKindLength)
	}
	if strings.TrimSpace(taskID) == "" {
		return errors.New("event task id is required")
	}
	if message == "" {
		return errors.New("event message is required")
	}
	if len(message) > MaxEventMessageLength {
		return fmt.Errorf("event message exceeds max length (%d)", MaxEventMessageLength)
	}
	if len(metadata) > 0 {
		if len(metadata) > MaxEventMetadataLength {
			return fmt.Errorf("event metadata exceeds max length (%d)", MaxEventMetadataLength)
		}
		if !json.Valid(metadata) {
			return errors.New("event metadata must be valid JSON")
		}
	}
	return nil
}

// metadataJSON marshals event metadata. A nil map yields no metadata.
func metadataJSON(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// InsertEventTx appends an event in the caller's transaction and returns the
// stored row so it can be published after commit.
func InsertEventTx(tx *sql.Tx, kind, taskID, executionID, message string, metadata map[string]any) (models.Event, error) {
	meta := metadataJSON(metadata)
	if err := ValidateEventPayload(kind, taskID, message, meta); err != nil {
		return models.Event{}, err
	}

	var metaVal any
	if meta != nil {
		metaVal = string(meta)
	}

	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO events (kind, task_id, execution_id, message, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, kind, taskID, nullableString(executionID), message, metaVal)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return models.Event{
		ID:          id,
		Kind:        kind,
		TaskID:      taskID,
		ExecutionID: executionID,
		Message:     message,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// ListEventsParams filters ListEvents.
type ListEventsParams struct {
	TaskID  string
	Kind    string
	SinceID int64
	Limit   int
}

// ListEvents returns events in id order.
func ListEvents(db *sql.DB, p ListEventsParams) ([]*models.Event, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if p.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, p.TaskID)
	}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, p.Kind)
	}
	if p.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, p.SinceID)
	}

	query := `SELECT id, kind, task_id, execution_id, message, metadata, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, p.Limit)

	var out []*models.Event
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), query, args...)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.Event, 0)
		for rows.Next() {
			var e models.Event
			var execID, meta sql.NullString
			if err := rows.Scan(&e.ID, &e.Kind, &e.TaskID, &execID, &e.Message, &meta, &e.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan event: %w", err)
			}
			e.ExecutionID = scanNullString(execID)
			if meta.Valid && meta.String != "" {
				e.Metadata = json.RawMessage(meta.String)
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEvent appends a standalone event in its own transaction.
func AppendEvent(db *sql.DB, kind, taskID, executionID, message string, metadata map[string]any) (models.Event, error) {
	var ev models.Event
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		ev, err = InsertEventTx(tx, kind, taskID, executionID, message, metadata)
		return err
	})
	return ev, err
}
