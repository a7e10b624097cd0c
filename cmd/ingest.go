package cmd

import (
	"encoding/json"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"video-search/config"
	"video-search/dto"
	server2 "video-search/server"
)

func ingest(config *config.Config) *cobra.Command {
	var (
		videoID  string
		filename string
	)
	cmd := &cobra.Command{
		Use:   "ingest <object-path>",
		Short: "register a stored video and queue it for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.New()
			if videoID != "" {
				parsed, err := uuid.Parse(videoID)
				if err != nil {
					return err
				}
				id = parsed
			}
			if filename == "" {
				filename = path.Base(args[0])
			}

			ctx := server2.SetupLogger(config)
			app, err := server2.NewApp(ctx, config, true)
			if err != nil {
				return err
			}
			defer app.Close()

			video, err := app.Orchestrator.Ingest(ctx, id, args[0], filename)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(dto.IngestResponse{VideoId: video.ID, Status: video.Status.String()})
		},
	}
	cmd.Flags().StringVar(&videoID, "id", "", "video id, generated when empty")
	cmd.Flags().StringVar(&filename, "filename", "", "display filename, defaults to the object name")
	return cmd
}
