package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/turtle/errors"
	"gopkg.in/yaml.v3"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Limits bounds the agent loop and tool execution. Every limit has a
// finite default; zero values are replaced on load.
type Limits struct {
	MaxIterations          int `yaml:"max_iterations"`
	MaxProviderAttempts    int `yaml:"max_provider_attempts"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	ToolTimeoutSeconds     int `yaml:"tool_timeout_seconds"`
	MaxToolOutputBytes     int `yaml:"max_tool_output_bytes"`
	MaxWallClockSeconds    int `yaml:"max_wall_clock_seconds"`
}

func (l Limits) ProviderTimeout() time.Duration {
	return time.Duration(l.ProviderTimeoutSeconds) * time.Second
}

func (l Limits) ToolTimeout() time.Duration {
	return time.Duration(l.ToolTimeoutSeconds) * time.Second
}

func (l Limits) MaxWallClock() time.Duration {
	return time.Duration(l.MaxWallClockSeconds) * time.Second
}

type Config struct {
	Provider             string           `yaml:"provider"`
	Model                string           `yaml:"model"`
	APIKey               string           `yaml:"-"`
	SystemPrompt         string           `yaml:"system_prompt"`
	Workdir              string           `yaml:"workdir"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Limits               Limits           `yaml:"limits"`
}

// defaultToolset is used when the configuration declares no toolsets.
var defaultToolset = Toolset{
	Name:  "default",
	Tools: []string{"read_file", "write_file", "list_directory", "execute_command"},
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence, then
// applies .env and environment overrides.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The .turtle directory holds sessions and config; keep it away
	// from the model's tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".turtle", ".turtle/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".turtle", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".turtle", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if err := loadDotEnv(filepath.Join(wd, ".env")); err != nil {
		return nil, err
	}
	if v := os.Getenv("TURTLE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("TURTLE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("TURTLE_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	if cfg.Workdir == "" {
		cfg.Workdir = wd
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a
	// simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// loadDotEnv exports KEY=VALUE pairs from a .env file into the process
// environment. Missing file is not an error; malformed lines are
// skipped. Existing environment variables win.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, strings.TrimSpace(value))
	}
	return errors.Wrapf(scanner.Err(), "error reading %s", path)
}

func (c *Config) applyDefaults() {
	if len(c.Toolsets) == 0 {
		c.Toolsets = []Toolset{defaultToolset}
	}
	if c.Limits.MaxIterations <= 0 {
		c.Limits.MaxIterations = 10
	}
	if c.Limits.MaxProviderAttempts <= 0 {
		c.Limits.MaxProviderAttempts = 3
	}
	if c.Limits.ProviderTimeoutSeconds <= 0 {
		c.Limits.ProviderTimeoutSeconds = 120
	}
	if c.Limits.ToolTimeoutSeconds <= 0 {
		c.Limits.ToolTimeoutSeconds = 60
	}
	if c.Limits.MaxToolOutputBytes <= 0 {
		c.Limits.MaxToolOutputBytes = 64 * 1024
	}
	if c.Limits.MaxWallClockSeconds <= 0 {
		c.Limits.MaxWallClockSeconds = 600
	}
}

// GetToolset finds a toolset by name. Returns the "default" toolset if
// the named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
