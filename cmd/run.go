package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/socialwatch/sentinel/internal/config"
	"github.com/socialwatch/sentinel/internal/server"
)

func newRunCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and the ops server",
		Long: `Loads configuration, resumes crawl jobs for every active campaign once a
session is available, and serves the ops API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
