package hostbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
)

// Local is the runtime bridge backed by the local filesystem.
type Local struct {
	mu       sync.RWMutex
	manifest *Manifest
	path     string
	logger   zerolog.Logger
}

// NewLocal creates a bridge from an already parsed manifest. A zero
// automationPort keeps the manifest's port.
func NewLocal(m *Manifest, automationPort int, logger zerolog.Logger) *Local {
	if m == nil {
		m = &Manifest{}
	}
	applyDefaults(m)
	if automationPort > 0 {
		m.AutomationPort = automationPort
	}
	return &Local{
		manifest: m,
		logger:   logger.With().Str("component", "hostbridge").Logger(),
	}
}

// Open loads the manifest at path. An empty path yields the defaults.
func Open(path string, automationPort int, logger zerolog.Logger) (*Local, error) {
	if path == "" {
		return NewLocal(nil, automationPort, logger), nil
	}
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	l := NewLocal(m, automationPort, logger)
	l.path = path
	return l, nil
}

// Reload re-reads the manifest file. The automation port is kept.
func (l *Local) Reload() error {
	if l.path == "" {
		return nil
	}
	m, err := LoadManifest(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	m.AutomationPort = l.manifest.AutomationPort
	l.manifest = m
	l.mu.Unlock()

	l.logger.Info().Str("path", l.path).Int("tools", len(m.Tools)).Msg("tool manifest reloaded")
	return nil
}

// EnvPath returns the env file of a project.
func (l *Local) EnvPath(projectID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filepath.Join(l.manifest.EnvRoot, filepath.Base(projectID), ".env")
}

// InstalledTools returns the names of the enabled tools in manifest order.
func (l *Local) InstalledTools() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tools := make([]string, 0, len(l.manifest.Tools))
	for _, t := range l.manifest.Tools {
		if t.IsEnabled() {
			tools = append(tools, t.Name)
		}
	}
	return tools, nil
}

// AutomationPort returns the browser automation port.
func (l *Local) AutomationPort() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manifest.AutomationPort
}

// LogFiles lists the regular files in a project's log directory, sorted by
// name. A missing directory yields no files.
func (l *Local) LogFiles(projectID string) ([]string, error) {
	l.mu.RLock()
	dir := filepath.Join(l.manifest.LogDir, filepath.Base(projectID))
	l.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list logs in %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile reads a local file for upload. Files larger than the manifest's
// MaxFileBytes are rejected with ErrInvalidInput.
func (l *Local) ReadFile(path string) ([]byte, error) {
	l.mu.RLock()
	limit := l.manifest.MaxFileBytes
	l.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, perrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, perrors.ErrInvalidInput)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s is %d bytes, limit %d: %w", path, info.Size(), limit, perrors.ErrInvalidInput)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
