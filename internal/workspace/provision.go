package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dotcommander/loopd/internal/models"
)

// Provisioner prepares a workspace for a phase run.
type Provisioner interface {
	// Ensure returns the layout for root once its phase runner is ready,
	// or a *models.SetupMissingError.
	Ensure(ctx context.Context, root string) (Layout, error)
}

// DirProvisioner checks a workspace directory for an executable runner. With
// AutoProvision set it first copies TemplateDir into a missing artifact dir.
type DirProvisioner struct {
	ArtifactDir   string
	TemplateDir   string
	AutoProvision bool
	Logger        *slog.Logger
}

// Ensure implements Provisioner.
func (p *DirProvisioner) Ensure(ctx context.Context, root string) (Layout, error) {
	l := New(root, p.ArtifactDir)

	info, err := os.Stat(l.Root)
	if err != nil || !info.IsDir() {
		return l, &models.SetupMissingError{Path: l.Root, Reason: "workspace directory does not exist"}
	}

	err = CheckScript(l)
	if err == nil {
		return l, nil
	}
	if !p.AutoProvision || p.TemplateDir == "" {
		return l, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return l, ctxErr
	}

	if cpErr := copyTree(p.TemplateDir, l.ArtifactPath()); cpErr != nil {
		return l, &models.SetupMissingError{
			Path:   l.ArtifactPath(),
			Reason: fmt.Sprintf("auto-provision from %s failed: %v", p.TemplateDir, cpErr),
		}
	}
	p.logger().Info("workspace provisioned from template", "root", l.Root, "template", p.TemplateDir)

	return l, CheckScript(l)
}

func (p *DirProvisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// CheckScript verifies the phase runner exists and is executable.
func CheckScript(l Layout) error {
	info, err := os.Stat(l.ArtifactPath())
	if err != nil || !info.IsDir() {
		return &models.SetupMissingError{Path: l.ArtifactPath(), Reason: "artifact directory not found"}
	}
	info, err = os.Stat(l.ScriptPath())
	if err != nil {
		return &models.SetupMissingError{Path: l.ScriptPath(), Reason: "loop script not found"}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return &models.SetupMissingError{Path: l.ScriptPath(), Reason: "loop script is not executable"}
	}
	return nil
}

// copyTree copies src into dst, creating dst. Existing files are kept.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("template is not a directory")
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
}

// copyFile publishes src at dst atomically: the content is written to a
// temp file and hard-linked into place, so dst is either absent or complete.
// A dst that already exists was copied by a concurrent launch and counts as
// done.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // G304: template path comes from operator config
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp.Name(), dst); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}
