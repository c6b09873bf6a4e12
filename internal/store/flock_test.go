package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireServerLock_Exclusive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loopd.db")

	release, err := AcquireServerLock(dbPath)
	require.NoError(t, err)

	_, err = AcquireServerLock(dbPath)
	require.ErrorIs(t, err, ErrServerRunning)

	release()
	again, err := AcquireServerLock(dbPath)
	require.NoError(t, err)
	again()
}
