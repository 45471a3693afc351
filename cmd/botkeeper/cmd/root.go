package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// exitCode carries the process status out of RunE.
var exitCode int

// rootCmd represents the base command. Every argument belongs to the worker,
// so flag parsing is disabled and configuration comes from the environment.
var rootCmd = &cobra.Command{
	Use:   "botkeeper [worker args...]",
	Short: "Keep a long-running bot process alive",
	Long: `botkeeper prepares the bot's interpreter environment, installs its
dependencies when the manifest changes, and restarts the bot whenever it
exits. All arguments are passed to the bot unchanged.

Configuration is read from botkeeper.yaml (or the file named by
BOTKEEPER_CONFIG) and BOTKEEPER_* environment variables.`,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(cmd.OutOrStdout(), cmd.ErrOrStderr())
		exitCode = a.run(cmd.Context(), args)
		return nil
	},
}

// Execute runs the supervisor and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "botkeeper: %v\n", err)
		return 1
	}
	return exitCode
}
