package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/psantana5/botkeeper/internal/depcache"
	"github.com/spf13/cobra"
)

// fingerprintCmd represents the fingerprint command
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compare the manifest with the installed dependencies",
	Long:  `Hash the dependency manifest and compare it with the record written after the last successful install. A stale result means the next botkeeper start reinstalls.`,
	Args:  cobra.NoArgs,
	RunE:  runFingerprint,
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}

type fingerprintOutput struct {
	Manifest string `json:"manifest"`
	Current  string `json:"current"`
	Stored   string `json:"stored"`
	UpToDate bool   `json:"up_to_date"`
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	if err := checkOutput("table", "json"); err != nil {
		return err
	}

	mgr := depcache.New(depcache.Options{
		Dir:        cfg.Env.Dir,
		Manifest:   cfg.Env.Manifest,
		RecordPath: cfg.Env.FingerprintFile,
	})
	current, stored, err := mgr.Status()
	if err != nil {
		return err
	}

	out := fingerprintOutput{
		Manifest: cfg.Env.Manifest,
		Current:  current,
		Stored:   stored,
		UpToDate: stored != "" && stored == current,
	}

	if IsJSONOutput() {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	w := cmd.OutOrStdout()
	stateText := "stale (next start reinstalls)"
	if out.UpToDate {
		stateText = "up to date"
	}
	storedText := out.Stored
	if storedText == "" {
		storedText = "(none)"
	}
	fmt.Fprintf(w, "Manifest: %s\n", out.Manifest)
	fmt.Fprintf(w, "Current:  %s\n", out.Current)
	fmt.Fprintf(w, "Stored:   %s\n", storedText)
	fmt.Fprintf(w, "Status:   %s\n", stateText)
	return nil
}
