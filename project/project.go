// Package project binds a monitored process to its workspace: it loads
// neetbox.yaml, assigns a fresh run id and owns the process-wide connection
// manager.
package project

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/neetbox/client"
	"github.com/inercia/neetbox/config"
	"github.com/inercia/neetbox/internal/logging"
	"github.com/inercia/neetbox/protocol"
)

// Project is one run of a workspace.
type Project struct {
	dir       string
	workspace *config.Workspace
	runID     string
	manager   *client.Manager
	logger    *slog.Logger

	mu         sync.Mutex
	forwarding bool
	watcher    *config.Watcher
}

// Open loads the workspace in dir and prepares a connection manager for a
// new run. The socket is not opened until Connect.
func Open(dir string, opts ...client.Option) (*Project, error) {
	ws, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	runID := config.NewRunID()
	m, err := client.New(client.Identity{ProjectID: ws.ProjectID, RunID: runID}, ws.Daemon, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	p := &Project{
		dir:       dir,
		workspace: ws,
		runID:     runID,
		manager:   m,
		logger:    logging.WithRun(logging.Project(), ws.ProjectID, runID),
	}
	p.logger.Debug("Workspace loaded",
		"name", ws.Name,
		"daemon", ws.Daemon.BaseURL(),
	)
	return p, nil
}

// Init creates a workspace file in dir. See config.Init.
func Init(dir, name string) (*config.Workspace, error) {
	ws, err := config.Init(dir, name)
	if err != nil {
		return nil, err
	}
	logging.Project().Info("Workspace created",
		"name", ws.Name,
		"project_id", ws.ProjectID,
		"path", config.Path(dir),
	)
	return ws, nil
}

// Connect starts the socket session unless this process is the daemon
// itself, and forwards logs to it when the workspace asks for it. It reports
// whether a session was started.
func (p *Project) Connect() bool {
	if config.IsDaemonProcess() {
		p.logger.Debug("Running inside the daemon, not connecting", "env", config.DaemonProcessEnv)
		return false
	}
	p.manager.Connect()
	p.ForwardLogs()
	return true
}

// ForwardLogs sends log records of this process to the daemon as "log" events,
// honoring the workspace logging preferences. Records logged before the
// session is ready are dropped. Connect calls it.
func (p *Project) ForwardLogs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forwardLocked()
}

func (p *Project) forwardLocked() bool {
	prefs := p.workspace.Logging
	if !prefs.Forward {
		return false
	}
	if p.forwarding {
		return true
	}

	cfg := logging.DefaultForwardConfig()
	if prefs.ForwardLevel != "" {
		cfg.Level = prefs.ForwardLevel
	} else if prefs.Level != "" {
		cfg.Level = prefs.Level
	}
	logging.ForwardTo(func(eventType string, payload map[string]any) {
		p.manager.Send(eventType, payload)
	}, cfg)
	p.forwarding = true
	p.logger.Debug("Forwarding logs to daemon", "level", cfg.Level, "event_type", protocol.EventTypeLog)
	return true
}

func (p *Project) stopForwardingLocked() bool {
	if !p.forwarding {
		return false
	}
	logging.StopForwarding()
	p.forwarding = false
	return true
}

// Watch reloads the workspace file whenever it changes. Name and logging
// preferences apply immediately; identity and daemon address changes only
// apply to the next run.
func (p *Project) Watch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}
	w, err := config.NewWatcher(p.dir, p.applyWorkspace, p.logger)
	if err != nil {
		return err
	}
	w.Start()
	p.watcher = w
	return nil
}

func (p *Project) applyWorkspace(ws *config.Workspace, err error) {
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.workspace
	if ws.ProjectID != current.ProjectID || ws.Daemon != current.Daemon {
		p.logger.Warn("Workspace identity or daemon changed, restart to apply",
			"project_id", ws.ProjectID,
			"daemon", ws.Daemon.BaseURL(),
		)
	}

	updated := *current
	updated.Name = ws.Name
	updated.Logging = ws.Logging
	p.workspace = &updated

	if p.stopForwardingLocked() {
		p.forwardLocked()
	}
	p.logger.Info("Workspace reloaded", "name", updated.Name, "forward", updated.Logging.Forward)
}

// Close stops watching, stops log forwarding and closes the connection manager.
func (p *Project) Close() error {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.stopForwardingLocked()
	p.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	return p.manager.Close()
}

// Dir returns the workspace directory.
func (p *Project) Dir() string {
	return p.dir
}

// Workspace returns the current workspace configuration.
func (p *Project) Workspace() *config.Workspace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workspace
}

// ProjectID returns the workspace project id.
func (p *Project) ProjectID() string {
	return p.manager.Identity().ProjectID
}

// RunID returns the id of this run.
func (p *Project) RunID() string {
	return p.runID
}

// Manager returns the connection manager of this run.
func (p *Project) Manager() *client.Manager {
	return p.manager
}
