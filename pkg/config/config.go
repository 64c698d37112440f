// Package config resolves orchestrator settings from three layers:
// CLI flags, an optional YAML config file, and built-in defaults.
// Flags win over file values; file values win over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Options is the single resolved-settings struct handed to the supervisor.
// YAML tags describe the config-file shape (~/.homer/config.yaml).
type Options struct {
	Tool           string `yaml:"tool"`
	Model          string `yaml:"model"`
	Repo           string `yaml:"repo"`
	Auto           bool   `yaml:"auto"`
	Agents         int    `yaml:"agents"`
	Label          string `yaml:"label"`
	PermissionMode string `yaml:"permission_mode"`

	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Session handling flags; never read from the file.
	Resume bool `yaml:"-"`
	Fresh  bool `yaml:"-"`
}

// SetDefaults fills unset fields with built-in defaults.
func (o *Options) SetDefaults() {
	if o.Tool == "" {
		o.Tool = "claude"
	}
	if o.Agents == 0 {
		o.Agents = 1
	}
	if o.Listen == "" {
		o.Listen = "127.0.0.1:4317"
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.LogFormat == "" {
		o.LogFormat = "text"
	}
}

// Validate checks the resolved options for values no component can honor.
func (o *Options) Validate() error {
	if o.Agents < 1 {
		return fmt.Errorf("agents must be >= 1, got %d", o.Agents)
	}
	switch o.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be 'text' or 'json', got %q", o.LogFormat)
	}
	if o.Resume && o.Fresh {
		return fmt.Errorf("--resume and --fresh are mutually exclusive")
	}
	return nil
}

// DefaultFilePath returns ~/.homer/config.yaml, or "" when the home
// directory cannot be determined.
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".homer", "config.yaml")
}

// LoadFile reads and decodes a YAML config file. String values pass
// through ${VAR} / ${VAR:-default} / $VAR expansion before decoding.
// A missing file is not an error and yields (nil, nil).
func LoadFile(path string) (*Options, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var opts Options
	if err := yaml.Unmarshal([]byte(expanded), &opts); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &opts, nil
}

// Resolve layers flag values over file values over defaults. Zero-valued
// flag fields defer to the file; zero-valued file fields defer to defaults.
func Resolve(flags Options, file *Options) Options {
	out := flags
	if file != nil {
		out.fillFrom(*file)
	}
	out.SetDefaults()
	return out
}

func (o *Options) fillFrom(other Options) {
	if o.Tool == "" {
		o.Tool = other.Tool
	}
	if o.Model == "" {
		o.Model = other.Model
	}
	if o.Repo == "" {
		o.Repo = other.Repo
	}
	if !o.Auto {
		o.Auto = other.Auto
	}
	if o.Agents == 0 {
		o.Agents = other.Agents
	}
	if o.Label == "" {
		o.Label = other.Label
	}
	if o.PermissionMode == "" {
		o.PermissionMode = other.PermissionMode
	}
	if o.Listen == "" {
		o.Listen = other.Listen
	}
	if o.LogLevel == "" {
		o.LogLevel = other.LogLevel
	}
	if o.LogFormat == "" {
		o.LogFormat = other.LogFormat
	}
	if o.LogFile == "" {
		o.LogFile = other.LogFile
	}
}
