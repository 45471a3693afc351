package cmd

import (
	"fmt"

	"github.com/psantana5/botkeeper/internal/logging"
	"github.com/spf13/cobra"
)

// logrotateCmd represents the logrotate command
var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate stanza for the bot log",
	Long: `Print a logrotate configuration for the append-only bot log. Install it with:

  keeperctl logrotate | sudo tee /etc/logrotate.d/botkeeper`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Log.File == "" {
			return fmt.Errorf("log.file is not set, nothing to rotate")
		}
		fmt.Fprint(cmd.OutOrStdout(), logging.GenerateLogrotateConfig(cfg.Log.File))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logrotateCmd)
}
