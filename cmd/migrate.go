package cmd

import (
	"github.com/spf13/cobra"
	"video-search/config"
	server2 "video-search/server"
)

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create the metadata tables and vector collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(config)
			// opening the app ensures both vector collections exist
			app, err := server2.NewApp(ctx, config, false)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Repo.AutoMigrate(ctx)
		},
	}
}
