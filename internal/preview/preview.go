// Package preview manages the temporary copy of the file currently selected
// for upload. At most one handle is live at a time.
package preview

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Handle is a live preview resource
type Handle struct {
	Path   string // temp copy, safe to hand to an external viewer
	Source string // the file the user picked
}

// Manager owns the preview handle of one composer
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	current *Handle
	live    int
}

// NewManager creates a manager that writes previews under dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger}
}

// Select releases the current handle, then creates one for src.
func (m *Manager) Select(src string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked()

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open selection: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(m.dir, "preview-*"+strings.ToLower(filepath.Ext(src)))
	if err != nil {
		return nil, fmt.Errorf("failed to create preview file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to copy preview: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to close preview file: %w", err)
	}

	m.current = &Handle{Path: out.Name(), Source: src}
	m.live++
	m.logger.Debug("preview created", "source", src, "path", out.Name())
	return m.current, nil
}

// Current returns the live handle, if any.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Clear releases the live handle.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

// Release releases h only if it is still the live handle.
func (m *Manager) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h != nil && m.current == h {
		m.releaseLocked()
	}
}

// Close releases everything; called when the owning view goes away.
func (m *Manager) Close() error {
	m.Clear()
	return nil
}

// Live reports how many handles exist that have not been released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) releaseLocked() {
	if m.current == nil {
		return
	}
	if err := os.Remove(m.current.Path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove preview", "path", m.current.Path, "error", err)
	}
	m.logger.Debug("preview released", "source", m.current.Source)
	m.current = nil
	m.live--
}
