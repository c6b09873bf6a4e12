package app

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigDir returns ~/.config/loopd/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "loopd"), nil
}

// ExpandPath replaces a leading "~" with the home directory. Paths in
// config.yaml and LOOPD_DB_PATH are written by hand, so they often use it.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# loopd configuration
# Run: loopd --help

# Optional: override the SQLite database location.
# Can also be set via LOOPD_DB_PATH or --db-path.
# db_path: ~/.config/loopd/loopd.db

# listen_addr: 127.0.0.1:7788
# nats_url: nats://127.0.0.1:4222

# Directory inside each workspace holding loop.sh, the spec input and the STOP sentinel.
# artifact_dir: .loopd

# Copy template_dir into a workspace whose artifact_dir is missing, instead of failing.
# auto_provision: false
# template_dir: /path/to/.loopd-template

# plan_max_iterations: 5
# build_max_iterations: 0

# Also SIGTERM the phase process group on cancel (default: sentinel only).
# hard_kill_on_cancel: false
# log_tail_lines: 50
`
