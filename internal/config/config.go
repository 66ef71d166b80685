package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models followups.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Board struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"board"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fu config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

var (
	validDrivers    = []string{"sqlite", "postgres"}
	validLogLevels  = []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
	validLogFormats = []string{"text", "json"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	if !oneOf(c.Database.Driver, validDrivers) {
		return fmt.Errorf("config.database.driver must be one of: %s", strings.Join(validDrivers, ", "))
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	if !oneOf(strings.ToLower(c.Log.Level), validLogLevels) {
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if !oneOf(c.Log.Format, validLogFormats) {
		return fmt.Errorf("config.log.format must be one of: %s", strings.Join(validLogFormats, ", "))
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.board.timezone: %w", err)
	}
	return nil
}

// Location resolves the board timezone. Empty and "Local" mean the process
// local zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Board.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Board.Timezone)
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "followups.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v1

database:
  # sqlite keeps its file under <workspace>/.followups; postgres needs a dsn
  driver: sqlite
  dsn: ""

log:
  level: info
  format: text

board:
  timezone: Local
`
