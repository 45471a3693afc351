package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration botkeeper would run with after defaults, the config file and environment variables are applied.`,
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	// YAML is the natural default here; "table" has no meaning for a tree.
	format := outputFormat
	if format == "table" {
		format = "yaml"
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported output format %q (want yaml or json)", outputFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	if cfg.Source != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", cfg.Source)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
