package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/models"
)

// waitDelay bounds how long Wait keeps reading output after the child exits,
// in case a grandchild inherited the pipes.
const waitDelay = 5 * time.Second

// ProcessSpec is everything needed to start one child.
type ProcessSpec struct {
	ExecutionID string
	TaskID      string
	Kind        models.RunKind
	Phase       models.Phase
	Dir         string
	Path        string
	Args        []string
	Env         []string
}

// Result is how a child terminated.
type Result struct {
	ExitCode *int
	Signal   string
	// Err is a wait failure that is neither an exit status nor a signal.
	Err       error
	Tail      string
	StartedAt time.Time
	ExitedAt  time.Time
}

// Status classifies the result: exit 0 completed, killed by a signal
// killed, anything else failed.
func (r Result) Status() models.ExecStatus {
	switch {
	case r.Signal != "":
		return models.ExecStatusKilled
	case r.Err == nil && r.ExitCode != nil && *r.ExitCode == 0:
		return models.ExecStatusCompleted
	default:
		return models.ExecStatusFailed
	}
}

// Succeeded reports exit code 0.
func (r Result) Succeeded() bool { return r.Status() == models.ExecStatusCompleted }

// Duration is the child's wall time.
func (r Result) Duration() time.Duration { return r.ExitedAt.Sub(r.StartedAt) }

// Handle tracks one running child. Wait may be called from any number of
// goroutines; all of them observe the same Result.
type Handle struct {
	ExecutionID string
	TaskID      string
	Kind        models.RunKind
	Phase       models.Phase
	PID         int

	done   chan struct{}
	result Result
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the child has been reaped and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Processes starts children and keeps a registry of the live ones.
type Processes struct {
	mu        sync.Mutex
	live      map[string]*Handle
	tailLines int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProcesses returns an empty registry. tailLines bounds retained output per child.
func NewProcesses(tailLines int, logger *slog.Logger) *Processes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processes{live: make(map[string]*Handle), tailLines: tailLines, logger: logger}
}

// Start spawns the child in its own process group, detached from any request
// lifetime, and reaps it in the background. Returns *models.SpawnError.
func (p *Processes) Start(spec ProcessSpec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // G204: runner path comes from the provisioned workspace
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	tail := newTailWriter(p.tailLines)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, &models.SpawnError{Command: spec.Path, Err: err}
	}

	h := &Handle{
		ExecutionID: spec.ExecutionID,
		TaskID:      spec.TaskID,
		Kind:        spec.Kind,
		Phase:       spec.Phase,
		PID:         cmd.Process.Pid,
		done:        make(chan struct{}),
	}
	started := time.Now()

	p.mu.Lock()
	p.live[spec.ExecutionID] = h
	p.mu.Unlock()
	p.metrics.Spawned()

	go func() {
		waitErr := cmd.Wait()
		h.result = classify(waitErr, cmd.ProcessState)
		h.result.Tail = tail.String()
		h.result.StartedAt = started
		h.result.ExitedAt = time.Now()

		p.mu.Lock()
		delete(p.live, spec.ExecutionID)
		p.mu.Unlock()
		p.metrics.Exited()

		close(h.done)
	}()

	return h, nil
}

func classify(err error, state *os.ProcessState) Result {
	if err == nil {
		code := 0
		return Result{ExitCode: &code}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		state = exitErr.ProcessState
	}
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Result{Signal: ws.Signal().String()}
		}
		if exitErr != nil || errors.Is(err, exec.ErrWaitDelay) {
			code := state.ExitCode()
			return Result{ExitCode: &code}
		}
	}
	return Result{Err: err}
}

// Signal delivers sig to the process group of a live execution.
func (p *Processes) Signal(executionID string, sig syscall.Signal) error {
	p.mu.Lock()
	h, ok := p.live[executionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s is not running in this process", executionID)
	}
	if err := syscall.Kill(-h.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %s to pgid %d: %w", sig, h.PID, err)
	}
	p.logger.Info("signalled process group", "execution_id", executionID, "pgid", h.PID, "signal", sig.String())
	return nil
}

// Get returns the handle of a live execution.
func (p *Processes) Get(executionID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.live[executionID]
	return h, ok
}

// LiveForTask returns a child of taskID that has not been reaped yet. Its
// record may already be terminal: cancel marks a phase run killed while the
// runner is still winding down.
func (p *Processes) LiveForTask(taskID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.live {
		if h.TaskID == taskID {
			return h, true
		}
	}
	return nil, false
}

// Live returns the number of children not yet reaped.
func (p *Processes) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
