package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inercia/neetbox/config"
	"github.com/inercia/neetbox/project"
)

var initName string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create neetbox.yaml in the workspace directory",
	Long: `Create a workspace file with a fresh project id.

The project name defaults to the name of the workspace directory.
An existing workspace file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initName, "name", "", "Project name (default: workspace directory name)")
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := project.Init(workspaceDir, initName)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s for project %q (%s)\n",
		config.Path(workspaceDir), ws.Name, ws.ProjectID)
	return nil
}
