package app

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetSettingsStateForTest() {
	settingsOnce = sync.Once{}
	settings = Settings{}
	settingsErr = nil
	SetDBPathOverride("")
}

func TestGetDBPath_PrioritizesCLIOverride(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOOPD_DB_PATH", filepath.Join(home, "env", "loopd.db"))

	overridePath := filepath.Join(home, "cli", "loopd.db")
	SetDBPathOverride(overridePath)

	resolved, err := GetDBPath()
	require.NoError(t, err)
	require.Equal(t, overridePath, resolved)
}

func TestGetDBPath_UsesEnvWithoutOverride(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	envPath := filepath.Join(home, "env", "loopd.db")
	t.Setenv("LOOPD_DB_PATH", envPath)

	resolved, err := GetDBPath()
	require.NoError(t, err)
	require.Equal(t, envPath, resolved)
}

func TestResolveDBPathDetailed_ReportsSourceForEnv(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	envPath := filepath.Join(home, "env", "loopd.db")
	t.Setenv("LOOPD_DB_PATH", envPath)

	resolved, source, err := ResolveDBPathDetailed()
	require.NoError(t, err)
	require.Equal(t, envPath, resolved)
	require.Equal(t, "env(LOOPD_DB_PATH)", source)
}

func TestEnsureDBDir_CreatesParentDirectories(t *testing.T) {
	base := t.TempDir()
	dbPath := filepath.Join(base, "nested", "deep", "loopd.db")

	resolved, err := EnsureDBDir(dbPath)
	require.NoError(t, err)
	require.Equal(t, dbPath, resolved)
	require.DirExists(t, filepath.Dir(dbPath))
}

func TestResolveDBPathDetailed_UsesConfigThenDefault(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOOPD_DB_PATH", "")
	t.Chdir(t.TempDir())

	resolved, source, err := ResolveDBPathDetailed()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "loopd", "loopd.db"), resolved)
	require.Equal(t, "default(~/.config/loopd/loopd.db)", source)

	cfgPath := filepath.Join(home, "cfg", "loopd.db")
	writeUserConfig(t, home, "db_path: "+cfgPath+"\n")

	resolved, source, err = ResolveDBPathDetailed()
	require.NoError(t, err)
	require.Equal(t, cfgPath, resolved)
	require.Contains(t, source, "config(")
}

func TestGetDBPath_ExpandsHomeInEnv(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOOPD_DB_PATH", "~/state/loopd.db")

	resolved, source, err := ResolveDBPathDetailed()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "state", "loopd.db"), resolved)
	require.Equal(t, "env(LOOPD_DB_PATH)", source)
	require.DirExists(t, filepath.Join(home, "state"))
}
