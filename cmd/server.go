package cmd

import (
	"github.com/spf13/cobra"
	"video-search/config"
	server2 "video-search/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and ingest workers",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
