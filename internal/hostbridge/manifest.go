// Package hostbridge is the local runtime bridge: per-project environment
// paths, the installed tool manifest, log files and file access for
// artifact upload.
//
// The manifest is YAML. Values may reference environment variables with
// ${VAR} or $VAR.
package hostbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultAutomationPort = 9222
	defaultMaxFileBytes   = 50 << 20
)

// Manifest describes the local runtime.
type Manifest struct {
	// EnvRoot holds one directory per project; the project env file lives
	// at <EnvRoot>/<project>/.env.
	EnvRoot string `yaml:"env_root"`

	// LogDir holds one directory of log files per project.
	LogDir string `yaml:"log_dir"`

	// AutomationPort is the browser automation (CDP) port.
	AutomationPort int `yaml:"automation_port"`

	// MaxFileBytes caps the size of a file read for upload. Default: 50 MiB.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	Tools []Tool `yaml:"tools"`
}

// Tool is an entry of the installed tool manifest.
type Tool struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Enabled *bool  `yaml:"enabled"` // nil = enabled
}

// IsEnabled reports whether the tool is advertised to the backend.
func (t Tool) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// LoadManifest reads and parses a YAML manifest file, expanding env vars.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := LoadManifestBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// LoadManifestBytes parses a YAML manifest from bytes.
func LoadManifestBytes(data []byte) (*Manifest, error) {
	expanded := expandEnvVars(string(data))
	var m Manifest
	if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	applyDefaults(&m)
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Tools))
	for i, t := range m.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, name)
		}
		seen[name] = true
	}
	if m.AutomationPort < 0 || m.AutomationPort > 65535 {
		return fmt.Errorf("automation_port %d out of range", m.AutomationPort)
	}
	return nil
}

// applyDefaults fills in zero-value fields.
func applyDefaults(m *Manifest) {
	home, _ := os.UserHomeDir()
	if m.EnvRoot == "" {
		m.EnvRoot = filepath.Join(home, ".taskpilot", "envs")
	}
	if m.LogDir == "" {
		m.LogDir = filepath.Join(home, ".taskpilot", "logs")
	}
	if m.AutomationPort == 0 {
		m.AutomationPort = defaultAutomationPort
	}
	if m.MaxFileBytes <= 0 {
		m.MaxFileBytes = defaultMaxFileBytes
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
