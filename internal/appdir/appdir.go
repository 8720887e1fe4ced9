// Package appdir locates the per-user neetbox directory, which holds the
// rotated client log files (logs/ subdirectory).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the neetbox directory.
	DirEnv = "NEETBOX_DIR"

	// LogsDirName is the name of the logs subdirectory.
	LogsDirName = "logs"

	// LogFileName is the name of the client log file.
	LogFileName = "neetbox.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the neetbox directory path.
// The directory is determined in the following order:
//  1. NEETBOX_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/neetbox
//     - Linux: $XDG_STATE_HOME/neetbox or ~/.local/state/neetbox
//     - Windows: %LOCALAPPDATA%\neetbox
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	dir := cachedDir
	mu.RUnlock()
	if dir != "" {
		return dir, nil
	}

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}
	dir, err := resolve()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolve() (string, error) {
	if env := os.Getenv(DirEnv); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "neetbox"), nil
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, "neetbox"), nil
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, "neetbox"), nil
	}
}

// EnsureDir creates the neetbox directory and its logs subdirectory.
func EnsureDir() error {
	logs, err := LogsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(logs, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory %s: %w", logs, err)
	}
	return nil
}

// LogsDir returns the directory holding client log files.
func LogsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// DefaultLogPath returns the default path of the client log file.
func DefaultLogPath() (string, error) {
	logs, err := LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logs, LogFileName), nil
}

// ResetCache clears the cached directory path.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
