// Package workspace allocates per-request scratch directories and guarantees
// their removal.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	sourcesDirName   = "contracts"
	artifactFileName = "flattened.sol"
)

// Manager hands out uniquely named scratch roots below a shared base directory.
type Manager struct {
	base   string
	logger *slog.Logger
}

// NewManager creates a manager rooted at base. The path is made absolute so
// that tools running in another working directory resolve it identically.
func NewManager(base string, logger *slog.Logger) (*Manager, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{base: abs, logger: logger}, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string {
	return m.base
}

// New allocates a fresh workspace. The directory itself is created lazily by
// whoever writes into it first.
func (m *Manager) New() *Workspace {
	id := uuid.New().String()
	return &Workspace{
		id:     id,
		root:   filepath.Join(m.base, id),
		logger: m.logger,
	}
}

// Sweep removes workspaces whose modification time is older than maxAge.
// Those can only be left behind by a process that died mid-request.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue // not ours
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.base, e.Name())); err != nil {
			m.logger.Warn("sweeping workspace", "id", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Workspace is the scratch area owned by a single request.
type Workspace struct {
	id     string
	root   string
	logger *slog.Logger
}

// ID returns the workspace identifier.
func (w *Workspace) ID() string { return w.id }

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Sources returns the directory the contract sources are materialized into.
func (w *Workspace) Sources() string { return filepath.Join(w.root, sourcesDirName) }

// Artifact returns the path of the flattened compilation unit.
func (w *Workspace) Artifact() string { return filepath.Join(w.root, artifactFileName) }

// Cleanup removes the artifact, the sources and the root. Paths that do not
// exist are skipped, so calling it repeatedly is safe.
func (w *Workspace) Cleanup() error {
	var errs []error
	if err := os.Remove(w.Artifact()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, dir := range []string{w.Sources(), w.root} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Error("cleaning up workspace", "id", w.id, "error", err)
		return err
	}
	w.logger.Debug("workspace cleaned up", "id", w.id)
	return nil
}
