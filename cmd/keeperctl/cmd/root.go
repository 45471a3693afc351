package cmd

import (
	"fmt"
	"os"

	"github.com/psantana5/botkeeper/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputFormat string

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "keeperctl",
	Short: "Inspect a botkeeper supervisor",
	Long: `keeperctl reads the same configuration as botkeeper and reports on the
supervised bot: its run state, the effective configuration and whether the
dependency environment matches the manifest.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := os.Setenv(config.EnvConfigFile, cfgFile); err != nil {
				return err
			}
		}
		loaded, err := config.Load(config.New())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $BOTKEEPER_CONFIG or ./botkeeper.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func checkOutput(allowed ...string) error {
	for _, f := range allowed {
		if outputFormat == f {
			return nil
		}
	}
	return fmt.Errorf("unsupported output format %q (want one of %v)", outputFormat, allowed)
}
