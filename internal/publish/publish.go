// Package publish delivers task events to live subscribers. Delivery is
// fire-and-forget: callers never wait on it and never see its errors.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/dotcommander/loopd/internal/models"
)

// SubjectPrefix roots every subject this package publishes on.
const SubjectPrefix = "loopd.tasks"

// Publisher is the event transport consumed by the launcher, exit monitor,
// orphan sweep and control service.
type Publisher interface {
	Publish(taskID string, ev models.Event)
}

// Subject returns the subject for an event kind of a task:
//
//	loopd.tasks.{task_id}.{kind}
func Subject(taskID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sanitizeToken(taskID), sanitizeToken(kind))
}

// TaskWildcard matches every event subject of one task.
func TaskWildcard(taskID string) string {
	return fmt.Sprintf("%s.%s.*", SubjectPrefix, sanitizeToken(taskID))
}

// KindFromSubject extracts the event kind token from a subject.
func KindFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[len(parts)-1]
}

// NATS tokens cannot contain separators or wildcards.
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, models.Event) {}

// NATS publishes events as JSON on per-task subjects.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATS wraps an established connection.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{conn: nc, logger: logger}
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("loopd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATS(nc, logger), nil
}

// Conn exposes the connection for subscribers (the SSE endpoint).
func (p *NATS) Conn() *nats.Conn { return p.conn }

// Publish implements Publisher.
func (p *NATS) Publish(taskID string, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event marshal failed", "task_id", taskID, "kind", ev.Kind, "error", err)
		return
	}
	if err := p.conn.Publish(Subject(taskID, ev.Kind), data); err != nil {
		p.logger.Warn("event publish failed", "task_id", taskID, "kind", ev.Kind, "error", err)
	}
}

// Close drains the connection.
func (p *NATS) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// All publishes ev list in order.
func All(p Publisher, events []models.Event) {
	if p == nil {
		return
	}
	for _, ev := range events {
		p.Publish(ev.TaskID, ev)
	}
}
