package workspace

import (
	"errors"
	"io/fs"
	"os"

	"github.com/dotcommander/loopd/internal/models"
)

// WriteInput writes the phase input atomically: readers see either the old
// or the new content, never a partial write.
func WriteInput(l Layout, spec string) error {
	path := l.InputPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(spec), 0o644); err != nil { //nolint:gosec // G306: input is read by the child process
		return &models.IOError{Op: "write input", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &models.IOError{Op: "write input", Path: path, Err: err}
	}
	return nil
}

// RaiseSentinel creates the stop flag. A missing artifact directory is not an
// error: nothing can be running there to observe the flag.
func RaiseSentinel(l Layout) (bool, error) {
	if _, err := os.Stat(l.ArtifactPath()); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	f, err := os.OpenFile(l.SentinelPath(), os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G302: sentinel must be visible to the child
	if err != nil {
		return false, &models.IOError{Op: "create sentinel", Path: l.SentinelPath(), Err: err}
	}
	if err := f.Close(); err != nil {
		return false, &models.IOError{Op: "create sentinel", Path: l.SentinelPath(), Err: err}
	}
	return true, nil
}

// ClearSentinel removes a stale stop flag left by an earlier cancel.
func ClearSentinel(l Layout) error {
	err := os.Remove(l.SentinelPath())
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &models.IOError{Op: "remove sentinel", Path: l.SentinelPath(), Err: err}
}

// SentinelRaised reports whether the stop flag is present.
func SentinelRaised(l Layout) bool {
	_, err := os.Stat(l.SentinelPath())
	return err == nil
}

// ReadPlan returns the plan document.
func ReadPlan(l Layout) (string, error) {
	b, err := os.ReadFile(l.PlanPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", &models.ArtifactMissingError{Path: l.PlanPath()}
	}
	if err != nil {
		return "", &models.IOError{Op: "read plan", Path: l.PlanPath(), Err: err}
	}
	return string(b), nil
}
