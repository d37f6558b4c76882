// Package cmd defines the sentinel CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and attaches every subcommand.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Campaign social-media ingestion, classification and alerting.",
		Long: `sentinel crawls an external social platform for every active campaign,
classifies the ingested items through an LLM oracle, evaluates alert rules
against them and fans alerts and progress events out to subscribers.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SENTINEL_* env vars override it")

	cmd.AddCommand(newRunCmd(&cfgFile))
	cmd.AddCommand(newRulesCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
