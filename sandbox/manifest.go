// Package sandbox supervises tool ("gear") processes: manifests and
// their declared permissions, the OS sandbox profile, and the framed,
// signed IPC between the supervisor and the child.
package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GearManifest declares a tool: its actions and the permissions the
// sandbox grants it. Everything not declared is denied.
type GearManifest struct {
	ID          string                `yaml:"id"`
	Version     string                `yaml:"version"`
	Entrypoint  string                `yaml:"entrypoint"`
	Actions     map[string]ActionSpec `yaml:"actions"`
	Permissions Permissions           `yaml:"permissions"`
	Limits      Limits                `yaml:"limits"`
}

// ActionSpec declares one action's parameters. The map value is the
// parameter type; "path" parameters are validated against the
// manifest's filesystem globs before dispatch.
type ActionSpec struct {
	Description string            `yaml:"description,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
}

// Permissions is the gear's declared capability surface.
type Permissions struct {
	FS      FSPermissions      `yaml:"fs,omitempty"`
	Network NetworkPermissions `yaml:"network,omitempty"`
	Env     []string           `yaml:"env,omitempty"`
	Secrets []string           `yaml:"secrets,omitempty"`
	Shell   bool               `yaml:"shell,omitempty"`
}

// FSPermissions are workspace-relative glob patterns.
type FSPermissions struct {
	Read  []string `yaml:"read,omitempty"`
	Write []string `yaml:"write,omitempty"`
}

// NetworkPermissions lists reachable domains. Private and loopback
// addresses are always denied regardless of this list.
type NetworkPermissions struct {
	Domains []string `yaml:"domains,omitempty"`
}

// Limits bound the child process.
type Limits struct {
	MaxMemoryMb int64 `yaml:"max_memory_mb,omitempty"`
	TimeoutMs   int64 `yaml:"timeout_ms,omitempty"`
}

// LoadManifest reads and validates a gear manifest file.
func LoadManifest(path string) (*GearManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m GearManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest's required fields.
func (m *GearManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for name, action := range m.Actions {
		if name == "" {
			return fmt.Errorf("action name must not be empty")
		}
		for param, typ := range action.Params {
			switch typ {
			case "string", "path", "int", "float", "bool", "list", "map":
			default:
				return fmt.Errorf("action %s: param %s has unknown type %q", name, param, typ)
			}
		}
	}
	return nil
}

// HasAction reports whether the manifest declares the action.
func (m *GearManifest) HasAction(name string) bool {
	_, ok := m.Actions[name]
	return ok
}
