package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrServerRunning is returned by AcquireServerLock when another process
// already serves the database.
var ErrServerRunning = errors.New("another loopd server holds this database")

// lockFile takes an exclusive advisory lock on path. With wait unset it fails
// with syscall.EWOULDBLOCK instead of blocking. Release with unlockFile.
func lockFile(path string, wait bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: path derived from trusted dbPath
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	how := syscall.LOCK_EX
	if !wait {
		how |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return f, nil
}

// unlockFile releases the lock and closes the file. Nil-safe.
func unlockFile(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// AcquireServerLock claims dbPath for one server process. The orphan sweep
// treats every running record as abandoned, which is only true when no other
// server is monitoring children against the same file. The lock is released
// by the returned func or when the process exits.
func AcquireServerLock(dbPath string) (func(), error) {
	f, err := lockFile(dbPath+".serve.lock", false)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return nil, ErrServerRunning
	}
	if err != nil {
		return nil, err
	}
	return func() { unlockFile(f) }, nil
}
