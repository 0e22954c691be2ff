//go:build windows

package core

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode selects which adapter carries traffic by default and which carries
// the toggled set.
type Mode int

const (
	// ExcludeMode routes everything via VPN except the toggled executables,
	// which are routed via the physical adapter.
	ExcludeMode Mode = iota
	// IncludeMode routes everything via the physical adapter except the
	// toggled executables, which are routed via VPN.
	IncludeMode
)

func (m Mode) String() string {
	switch m {
	case ExcludeMode:
		return "exclude"
	case IncludeMode:
		return "include"
	default:
		return "unknown"
	}
}

// ParseMode parses a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exclude", "vpn_default":
		return ExcludeMode, nil
	case "include", "direct_default":
		return IncludeMode, nil
	default:
		return ExcludeMode, fmt.Errorf("unknown mode: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for Mode.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Mode.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Config is the top-level engine configuration.
type Config struct {
	// Mode selects the default egress adapter for untoggled traffic.
	Mode Mode `yaml:"mode,omitempty"`
	// Targets lists the normalized executable paths toggled per Mode's rule.
	Targets []string `yaml:"targets,omitempty"`
	// Logging configures per-component log level overrides.
	Logging LogConfig `yaml:"logging,omitempty"`
}

// ConfigManager loads and persists the initial configuration. Once a
// session is running, live changes flow through Session.SetMode /
// Session.SetTargets rather than through the config file.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = Config{Mode: ExcludeMode}
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
