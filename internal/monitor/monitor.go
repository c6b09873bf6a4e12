// Package monitor observes spawned children and applies exactly one terminal
// update per execution when they exit.
package monitor

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/dotcommander/loopd/internal/launcher"
	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/monitor/phaserun"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/store"
)

// Pipeline completes ordinary executions. It is never consulted for phase runs.
type Pipeline interface {
	Complete(ctx context.Context, h *launcher.Handle, res launcher.Result) bool
}

// Deps are the collaborators a Monitor is built from.
type Deps struct {
	DB        *sql.DB
	Publisher publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Monitor runs one goroutine per watched child. It implements launcher.Watcher.
type Monitor struct {
	phase  phaserun.Deps
	logger *slog.Logger

	mu       sync.RWMutex
	pipeline Pipeline

	wg sync.WaitGroup
}

// New builds a Monitor. Attach the ordinary pipeline with SetPipeline before
// launching ordinary executions.
func New(d Deps) *Monitor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	return &Monitor{
		phase: phaserun.Deps{
			DB:        d.DB,
			Publisher: d.Publisher,
			Metrics:   d.Metrics,
			Logger:    d.Logger,
		},
		logger: d.Logger,
	}
}

// SetPipeline attaches the ordinary completion pipeline. The pipeline itself
// launches follow-up executions, so it is built after the launcher that
// holds this monitor.
func (m *Monitor) SetPipeline(p Pipeline) {
	m.mu.Lock()
	m.pipeline = p
	m.mu.Unlock()
}

// Watch implements launcher.Watcher. It returns immediately.
func (m *Monitor) Watch(h *launcher.Handle) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := h.Wait()
		m.HandleExit(context.Background(), h, res)
	}()
}

// Wait blocks until every watched child has been handled.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// HandleExit dispatches on the run kind. It reports whether this call
// applied the terminal update.
func (m *Monitor) HandleExit(ctx context.Context, h *launcher.Handle, res launcher.Result) bool {
	if h.Kind == models.RunKindPhase {
		return phaserun.Finish(m.phase, h, res)
	}
	return m.completeOrdinary(ctx, h, res)
}

func (m *Monitor) completeOrdinary(ctx context.Context, h *launcher.Handle, res launcher.Result) bool {
	m.mu.RLock()
	p := m.pipeline
	m.mu.RUnlock()
	if p != nil {
		return p.Complete(ctx, h, res)
	}

	// No pipeline attached: still never leave the record running.
	m.logger.Warn("no completion pipeline attached, finishing record only",
		"task_id", h.TaskID, "execution_id", h.ExecutionID)
	fr, err := store.FinishExecution(m.phase.DB, store.FinishParams{
		ExecutionID: h.ExecutionID,
		Status:      res.Status(),
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		LogTail:     res.Tail,
	})
	if err != nil {
		m.logger.Error("failed to persist exit", "execution_id", h.ExecutionID, "error", err, "alert", true)
		m.phase.Metrics.PersistFailed("monitor")
		return false
	}
	publish.All(m.phase.Publisher, fr.Events)
	return fr.Applied
}
