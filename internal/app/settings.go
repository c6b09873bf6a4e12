package app

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath             string `yaml:"db_path"`
	ListenAddr         string `yaml:"listen_addr"`
	NATSURL            string `yaml:"nats_url"`
	ArtifactDir        string `yaml:"artifact_dir"`
	TemplateDir        string `yaml:"template_dir"`
	AutoProvision      bool   `yaml:"auto_provision"`
	PlanMaxIterations  *int   `yaml:"plan_max_iterations"`
	BuildMaxIterations *int   `yaml:"build_max_iterations"`
	HardKillOnCancel   bool   `yaml:"hard_kill_on_cancel"`
	LogTailLines       int    `yaml:"log_tail_lines"`
}

// Runtime holds the effective values the service is built from.
type Runtime struct {
	ListenAddr         string `json:"listen_addr"`
	NATSURL            string `json:"nats_url,omitempty"`
	ArtifactDir        string `json:"artifact_dir"`
	TemplateDir        string `json:"template_dir,omitempty"`
	AutoProvision      bool   `json:"auto_provision"`
	PlanMaxIterations  int    `json:"plan_max_iterations"`
	BuildMaxIterations int    `json:"build_max_iterations"`
	HardKillOnCancel   bool   `json:"hard_kill_on_cancel"`
	LogTailLines       int    `json:"log_tail_lines"`
}

const (
	defaultListenAddr        = "127.0.0.1:7788"
	defaultArtifactDir       = ".loopd"
	defaultPlanMaxIterations = 5
	defaultLogTailLines      = 50
	maxLogTailLines          = 1000
)

// EffectiveRuntime returns validated runtime settings with defaults applied.
// Environment variables LOOPD_LISTEN and LOOPD_NATS_URL win over the config file.
func EffectiveRuntime() Runtime {
	cfg := Runtime{
		ListenAddr:        defaultListenAddr,
		ArtifactDir:       defaultArtifactDir,
		PlanMaxIterations: defaultPlanMaxIterations,
		LogTailLines:      defaultLogTailLines,
	}

	if s, err := LoadSettings(); err == nil {
		if s.ListenAddr != "" {
			cfg.ListenAddr = s.ListenAddr
		}
		cfg.NATSURL = s.NATSURL
		if s.ArtifactDir != "" {
			cfg.ArtifactDir = s.ArtifactDir
		}
		cfg.TemplateDir = ExpandPath(s.TemplateDir)
		cfg.AutoProvision = s.AutoProvision
		if s.PlanMaxIterations != nil && *s.PlanMaxIterations >= 0 {
			cfg.PlanMaxIterations = *s.PlanMaxIterations
		}
		if s.BuildMaxIterations != nil && *s.BuildMaxIterations >= 0 {
			cfg.BuildMaxIterations = *s.BuildMaxIterations
		}
		cfg.HardKillOnCancel = s.HardKillOnCancel
		if s.LogTailLines > 0 {
			cfg.LogTailLines = s.LogTailLines
		}
	}

	if v := os.Getenv("LOOPD_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOOPD_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if cfg.LogTailLines > maxLogTailLines {
		cfg.LogTailLines = maxLogTailLines
	}
	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/loopd/config.yaml
// 2) /etc/loopd/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}

		for _, p := range settingsPaths(dir) {
			s, err := loadSettingsFile(p)
			if err == nil {
				settings = s
				return
			}
			if !errors.Is(err, os.ErrNotExist) {
				settingsErr = err
				return
			}
		}
	})

	return settings, settingsErr
}

func settingsPaths(configDir string) []string {
	return []string{
		filepath.Join(configDir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "loopd", "config.yaml"),
		"config.yaml",
	}
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path) //nolint:gosec // G304: config paths are fixed lookup locations
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
