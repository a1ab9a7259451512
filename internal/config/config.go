// Package config provides configuration management for monctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"monctl/internal/ddc"
	"monctl/internal/session"
)

// Config represents the application configuration
type Config struct {
	// Backend forces a transport: "auto" (by CPU architecture), "i2c" or "avservice"
	Backend string `yaml:"backend"`

	// Timing controls bus pacing and write coalescing
	Timing TimingConfig `yaml:"timing"`

	// LogLevel is a zerolog level name (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// TraceFile, when set, receives a CBOR capture of every DDC frame
	TraceFile string `yaml:"trace_file,omitempty"`

	// Displays lists the monitors to attach. Location is the I2C bus on Linux
	// ("/dev/i2c-6") or the IORegistry path of the AVService on macOS.
	Displays []session.Display `yaml:"displays"`
}

// TimingConfig holds the DDC timing knobs
type TimingConfig struct {
	// TransactionDelay is the minimum gap between two transactions to one display
	TransactionDelay time.Duration `yaml:"transaction_delay"`

	// ReplyDelay is how long to wait for a display to prepare a reply
	ReplyDelay time.Duration `yaml:"reply_delay"`

	// Debounce collapses bursts of writes before they reach the bus
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: "auto",
		Timing: TimingConfig{
			TransactionDelay: ddc.DefaultTransactionDelay,
			ReplyDelay:       ddc.DefaultReplyDelay,
			Debounce:         20 * time.Millisecond,
		},
		LogLevel: "info",
		Displays: []session.Display{},
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if _, err := ddc.ParseBackendKind(c.Backend); err != nil {
		return err
	}
	if c.Timing.TransactionDelay < 0 || c.Timing.ReplyDelay < 0 || c.Timing.Debounce < 0 {
		return errors.New("timing values must not be negative")
	}
	seen := make(map[string]bool)
	for i, d := range c.Displays {
		if d.ID == "" {
			return fmt.Errorf("display %d has no id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate display id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// BackendKind returns the forced backend, zero for auto
func (c *Config) BackendKind() ddc.BackendKind {
	k, _ := ddc.ParseBackendKind(c.Backend)
	return k
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func()
}

// NewManager creates a configuration manager for path. An empty path selects
// the per-user default location.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Manager{
		configPath: path,
		config:     DefaultConfig(),
	}, nil
}

// DefaultPath returns <UserConfigDir>/monctl/config.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "monctl", "config.yaml"), nil
}

// Path returns the file the manager reads and writes
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the configuration from disk. A missing file keeps the defaults.
func (m *Manager) Load() error {
	m.mu.Lock()

	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("parse %s: %w", m.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}
	m.config = cfg
	onChanged := m.onChanged
	m.mu.Unlock()

	if onChanged != nil {
		onChanged()
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0644)
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Set replaces the configuration
func (m *Manager) Set(config *Config) {
	m.mu.Lock()
	m.config = config
	onChanged := m.onChanged
	m.mu.Unlock()
	if onChanged != nil {
		onChanged()
	}
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}

// Display returns a configured display by ID
func (m *Manager) Display(id string) (session.Display, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.config.Displays {
		if d.ID == id {
			return d, true
		}
	}
	return session.Display{}, false
}

// SetDisplay updates or adds a display
func (m *Manager) SetDisplay(d session.Display) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Displays {
		if m.config.Displays[i].ID == d.ID {
			m.config.Displays[i] = d
			return
		}
	}
	m.config.Displays = append(m.config.Displays, d)
}

// DeleteDisplay removes a display by ID
func (m *Manager) DeleteDisplay(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Displays {
		if m.config.Displays[i].ID == id {
			m.config.Displays = append(m.config.Displays[:i], m.config.Displays[i+1:]...)
			return
		}
	}
}
