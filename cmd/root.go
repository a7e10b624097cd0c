package cmd

import (
	"github.com/spf13/cobra"
	"video-search/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "video-search",
		Short: "video moment search",
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(migrate(config))
	rootCmd.AddCommand(ingest(config))
	rootCmd.AddCommand(search(config))
	return rootCmd
}
