package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imgclass",
		Short: "Train and serve small image classifiers",
		Long: `imgclass keeps image classification projects on disk: a folder per class,
a background training job per project and a model that answers predictions.

Run "imgclass serve" for the REST and MCP server, or use the other commands
directly against the same storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $IMGCLASS_CONFIG_PATH)")
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewProjectCommand())
	rootCmd.AddCommand(NewDatasetCommand())
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewJobCommand())
	rootCmd.AddCommand(NewPredictCommand())
	rootCmd.AddCommand(NewKeyCommand())
	rootCmd.AddCommand(NewTrainWorkerCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
