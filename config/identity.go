package config

import (
	"os"

	"github.com/google/uuid"
)

// DaemonProcessEnv marks a process launched by the daemon itself.
// Such processes never auto-connect back to the daemon.
const DaemonProcessEnv = "NEETBOX_DAEMON_PROCESS"

// IsDaemonProcess reports whether the current process was launched by the daemon.
func IsDaemonProcess() bool {
	return os.Getenv(DaemonProcessEnv) == "1"
}

// NewProjectID returns a new workspace identifier.
func NewProjectID() string {
	return uuid.New().String()
}

// NewRunID returns a new identifier for one execution of the monitored process.
func NewRunID() string {
	return uuid.New().String()
}
