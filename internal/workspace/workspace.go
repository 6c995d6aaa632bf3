// Package workspace manages the PyRunner runtime directory structure.
// All runtime state (virtual environments, log files, the persisted log
// configuration, and the run-history database) lives under a single root,
// making the service portable.
//
// Default workspace: ~/.pyrunner (configurable via config or PYRUNNER_HOME env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".pyrunner"

// Workspace manages all PyRunner runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.pyrunner.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// EnvsDir returns <root>/envs/. One self-contained subdirectory per named
// virtual environment.
func (w *Workspace) EnvsDir() string {
	return w.dir("envs")
}

// LogsDir returns <root>/logs/. Day-named, size-rotated audit log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// DataDir returns <root>/data/. Persistent service data (run history).
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// --- Derived paths ---

// LogConfigPath returns <root>/logconfig.json, the persisted log configuration.
func (w *Workspace) LogConfigPath() string {
	return filepath.Join(w.Root, "logconfig.json")
}

// HistoryDBPath returns <root>/data/history.db, the run-history SQLite database.
func (w *Workspace) HistoryDBPath() string {
	return filepath.Join(w.DataDir(), "history.db")
}

// EnvDir returns <root>/envs/<name>/.
// The name is sanitized against path traversal; callers are expected to have
// validated it already.
func (w *Workspace) EnvDir(name string) string {
	return filepath.Join(w.EnvsDir(), sanitizeName(name))
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{w.EnvsDir(), w.LogsDir(), w.DataDir()} {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
