package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"video-search/config"
	"video-search/dto"
	server2 "video-search/server"
)

func search(config *config.Config) *cobra.Command {
	var (
		mode      string
		limit     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "search indexed videos and print the results as json",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(config)
			app, err := server2.NewApp(ctx, config, false)
			if err != nil {
				return err
			}
			defer app.Close()

			req := dto.SearchRequest{
				Query: strings.Join(args, " "),
				Mode:  mode,
				Limit: limit,
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}
			resp, err := app.Search.Search(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "visual, speech or hybrid")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum score in [0,1]")
	return cmd
}
