package autofix

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot maps each file under repair to its full content.
type Snapshot map[string]string

// Clone returns a copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of s with the files of changes replacing its own.
func (s Snapshot) Overlay(changes map[string]string) Snapshot {
	out := s.Clone()
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// Changed lists the paths whose content differs between s and other, sorted.
func (s Snapshot) Changed(other Snapshot) []string {
	var paths []string
	for path, content := range other {
		if prev, ok := s[path]; !ok || prev != content {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (s Snapshot) Equal(other Snapshot) bool {
	return len(s) == len(other) && len(s.Changed(other)) == 0
}

// Workspace owns the files the loop may rewrite. Nothing else writes them
// while a run is in progress.
type Workspace struct {
	paths map[string]bool
	order []string
}

// NewWorkspace cleans every path. Relative paths are kept relative to the
// process working directory.
func NewWorkspace(paths []string) *Workspace {
	w := &Workspace{paths: make(map[string]bool, len(paths))}
	for _, p := range paths {
		p = filepath.Clean(p)
		if w.paths[p] {
			continue
		}
		w.paths[p] = true
		w.order = append(w.order, p)
	}
	return w
}

func (w *Workspace) Paths() []string {
	return append([]string(nil), w.order...)
}

// Resolve maps path onto a workspace path. Relative paths are tried against
// dir. It reports false for paths outside the workspace.
func (w *Workspace) Resolve(path, dir string) (string, bool) {
	candidates := []string{filepath.Clean(path)}
	if !filepath.IsAbs(path) && dir != "" {
		candidates = append(candidates, filepath.Join(dir, path))
	}
	for _, c := range candidates {
		if w.paths[c] {
			return c, true
		}
	}
	return "", false
}

// Capture reads the current content of every workspace file.
func (w *Workspace) Capture() (Snapshot, error) {
	snap := make(Snapshot, len(w.order))
	for _, p := range w.order {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read file to fix: %w", err)
		}
		snap[p] = string(data)
	}
	return snap, nil
}

// Apply makes the files on disk match snap. Each file is replaced through a
// rename so a reader never sees it half written.
func (w *Workspace) Apply(snap Snapshot) error {
	for _, p := range w.order {
		content, ok := snap[p]
		if !ok {
			continue
		}
		if err := writeFile(p, content); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path, content string) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if current, err := os.ReadFile(path); err == nil && string(current) == content {
			return nil
		}
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".kaizen-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
