// Package cmd provides the CLI commands for neetbox.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/neetbox/internal/appdir"
	"github.com/inercia/neetbox/internal/logging"
	"github.com/inercia/neetbox/project"
)

var (
	// Global flags
	workspaceDir  string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	noLogFile     bool
	logComponents string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "neetbox",
	Short: "neetbox - talk to the local neetbox daemon",
	Long: `neetbox connects a workspace to the local neetbox daemon.

It can create the workspace file, emit events on behalf of a run,
print the events the daemon pushes, and issue raw HTTP requests
against the daemon API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		cfg := logging.Config{
			Level:      effectiveLogLevel,
			Components: components,
		}
		if !noLogFile {
			path := logFile
			if path == "" {
				if err := appdir.EnsureDir(); err != nil {
					return fmt.Errorf("failed to create neetbox directory: %w", err)
				}
				var err error
				if path, err = appdir.DefaultLogPath(); err != nil {
					return err
				}
			}
			fileLog := logging.DefaultFileLogConfig()
			fileLog.Path = path
			cfg.FileLog = &fileLog
			cfg.FileLevel = "debug"
		}
		if err := logging.Initialize(cfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "Workspace directory containing neetbox.yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (default: logs/neetbox.log in the neetbox directory)")
	rootCmd.PersistentFlags().BoolVar(&noLogFile, "no-logfile", false, "Log to the console only")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'client,socket,http'). Empty means all components.")
}

// openProject loads the workspace selected by --workspace.
func openProject() (*project.Project, error) {
	p, err := project.Open(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return p, nil
}
