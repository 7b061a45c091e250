package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config represents server configuration
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	WorkspacesDir  string `json:"workspaces_dir"`
	SinkPath       string `json:"sink_path"`       // SQLite database for the durable sink; empty disables mirroring
	Interpreter    string `json:"interpreter"`     // command used to execute code files
	ExecTimeoutMS  int    `json:"exec_timeout_ms"` // hard wall-clock limit per execution
	MaxOutputBytes int    `json:"max_output_bytes"`
	LogLevel       string `json:"log_level"` // debug, info, warn, error, none
	LogPath        string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "coderoom")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "coderoom")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "coderoom")
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     "localhost:3000",
		WorkspacesDir:  "workspaces",
		SinkPath:       filepath.Join(defaultConfigDir(), "coderoom.db"),
		Interpreter:    "python3",
		ExecTimeoutMS:  5000,
		MaxOutputBytes: 64 * 1024,
		LogLevel:       "info",
	}
}

// ConfigPath returns the path of the config file
func ConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Load reads configuration from path, falling back to defaults for a
// missing file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as JSON to path
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CODEROOM_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CODEROOM_WORKSPACES_DIR"); v != "" {
		c.WorkspacesDir = v
	}
	if v := os.Getenv("CODEROOM_SINK_PATH"); v != "" {
		c.SinkPath = v
	}
	if v := os.Getenv("CODEROOM_INTERPRETER"); v != "" {
		c.Interpreter = v
	}
	if v := os.Getenv("CODEROOM_EXEC_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.ExecTimeoutMS = ms
		}
	}
	if v := os.Getenv("CODEROOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for unusable values
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.WorkspacesDir == "" {
		return fmt.Errorf("workspaces_dir must not be empty")
	}
	if c.Interpreter == "" {
		return fmt.Errorf("interpreter must not be empty")
	}
	if c.ExecTimeoutMS <= 0 {
		return fmt.Errorf("exec_timeout_ms must be positive, got %d", c.ExecTimeoutMS)
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive, got %d", c.MaxOutputBytes)
	}
	return nil
}
