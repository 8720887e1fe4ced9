// Package config handles the neetbox workspace configuration: the persisted
// project identity and the address of the local daemon.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/inercia/neetbox/internal/fileutil"
)

// WorkspaceFileName is the name of the workspace configuration file.
const WorkspaceFileName = "neetbox.yaml"

// Defaults applied to fields missing from the workspace file.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 20202
	DefaultLogLevel = "info"
)

// LoggingConfig controls how a monitored process logs.
type LoggingConfig struct {
	// Level is the minimum console log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`
	// Forward enables sending log records to the daemon as "log" events.
	Forward bool `yaml:"forward"`
	// ForwardLevel is the minimum level of forwarded records.
	// If empty, defaults to Level.
	ForwardLevel string `yaml:"forward_level,omitempty"`
}

// Workspace represents the contents of neetbox.yaml.
type Workspace struct {
	// Name is the display name of the project.
	Name string `yaml:"name"`
	// ProjectID is the stable identifier of the workspace, shared by all runs.
	ProjectID string `yaml:"project_id"`
	// Daemon is the address of the local daemon.
	Daemon Daemon `yaml:"daemon"`
	// Logging contains logging preferences for monitored processes.
	Logging LoggingConfig `yaml:"logging"`
}

// ConfigError reports a workspace configuration that is missing, unreadable
// or incomplete. Callers cannot identify their session without it.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "workspace config"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DefaultWorkspace returns a workspace with every default applied and no identity.
func DefaultWorkspace() Workspace {
	return Workspace{
		Daemon: Daemon{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level:   DefaultLogLevel,
			Forward: true,
		},
	}
}

// Path returns the workspace file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, WorkspaceFileName)
}

// Exists reports whether dir contains a workspace file.
func Exists(dir string) bool {
	info, err := os.Stat(Path(dir))
	return err == nil && !info.IsDir()
}

// Load reads the workspace file in dir on top of DefaultWorkspace.
func Load(dir string) (*Workspace, error) {
	path := Path(dir)
	ws := DefaultWorkspace()
	if err := fileutil.ReadYAML(path, &ws); err != nil {
		var pathErr *fs.PathError
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, &ConfigError{Path: path, Reason: "not found", Err: err}
		case errors.As(err, &pathErr):
			return nil, &ConfigError{Path: path, Reason: "unreadable", Err: err}
		default:
			return nil, &ConfigError{Path: path, Reason: "invalid yaml", Err: err}
		}
	}
	if err := ws.Validate(); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	return &ws, nil
}

// Parse parses YAML workspace data on top of DefaultWorkspace.
// Fields absent from data keep their default values.
func Parse(data []byte) (*Workspace, error) {
	ws := DefaultWorkspace()
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, &ConfigError{Reason: "invalid yaml", Err: err}
	}
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Validate checks that the workspace can identify a session.
func (w *Workspace) Validate() error {
	if w.ProjectID == "" {
		return &ConfigError{Reason: "project_id is not set"}
	}
	if err := w.Daemon.Validate(); err != nil {
		return &ConfigError{Reason: "invalid daemon address", Err: err}
	}
	return nil
}

// Init creates a new workspace file in dir with a fresh project id.
// If name is empty the base name of dir is used. It fails if a workspace
// file already exists.
func Init(dir, name string) (*Workspace, error) {
	path := Path(dir)
	if Exists(dir) {
		return nil, &ConfigError{Path: path, Reason: "already exists"}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory %s: %w", dir, err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	ws := DefaultWorkspace()
	ws.Name = name
	ws.ProjectID = NewProjectID()

	if err := Save(dir, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Save writes the workspace file in dir atomically.
func Save(dir string, ws *Workspace) error {
	if err := fileutil.WriteYAMLAtomic(Path(dir), ws, 0644); err != nil {
		return fmt.Errorf("failed to save workspace config: %w", err)
	}
	return nil
}
