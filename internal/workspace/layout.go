// Package workspace knows where a task's phase runner, input, plan and stop
// sentinel live inside its working tree, and how to prepare that tree.
package workspace

import (
	"path/filepath"
)

// Fixed file names inside a workspace.
const (
	ScriptName   = "loop.sh"
	InputName    = "spec"
	SentinelName = "STOP"
	PlanFileName = "IMPLEMENTATION_PLAN.md"
)

// Layout resolves artifact paths for one workspace root.
type Layout struct {
	Root        string `json:"root"`
	ArtifactDir string `json:"artifact_dir"`
}

// New returns the layout for root with artifactDir (relative to root, or absolute).
func New(root, artifactDir string) Layout {
	return Layout{Root: filepath.Clean(root), ArtifactDir: artifactDir}
}

// ArtifactPath is the directory holding the runner, input and sentinel.
func (l Layout) ArtifactPath() string {
	if filepath.IsAbs(l.ArtifactDir) {
		return l.ArtifactDir
	}
	return filepath.Join(l.Root, l.ArtifactDir)
}

// ScriptPath is the phase runner the launcher executes.
func (l Layout) ScriptPath() string { return filepath.Join(l.ArtifactPath(), ScriptName) }

// InputPath is where the task specification is written before each spawn.
func (l Layout) InputPath() string { return filepath.Join(l.ArtifactPath(), InputName) }

// SentinelPath is the cooperative stop flag.
func (l Layout) SentinelPath() string { return filepath.Join(l.ArtifactPath(), SentinelName) }

// PlanPath is the plan document produced by the plan phase.
func (l Layout) PlanPath() string { return filepath.Join(l.Root, PlanFileName) }
