package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"video-search/dto"
	"video-search/service"
)

type ServiceDependencies struct {
	Orchestrator service.Orchestrator
}

// IngestHandler runs the pipeline for one queued video. Outcomes recorded on
// the video are acknowledged; only infrastructure errors are retried.
func IngestHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var ingest dto.IngestMessage
	if err := json.Unmarshal(msg.Body, &ingest); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal ingest message")
		return backoff.Permanent(err)
	}

	zerolog.Ctx(ctx).Info().
		Str("video_id", ingest.VideoId.String()).
		Str("object_path", ingest.ObjectPath).
		Msg("received ingest message")

	err := deps.Orchestrator.Run(ctx, ingest)
	var stageErr *service.StageError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &stageErr):
		return nil
	case errors.Is(err, service.ErrInterrupted):
		// the consumer requeues it once shutdown has cut the run off
		zerolog.Ctx(ctx).Warn().Err(err).Str("video_id", ingest.VideoId.String()).Msg("ingest interrupted")
		return err
	case errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrAlreadyIngested),
		errors.Is(err, service.ErrRunEnded),
		errors.Is(err, service.ErrVideoNotFound):
		zerolog.Ctx(ctx).Info().Err(err).Str("video_id", ingest.VideoId.String()).Msg("ingest message skipped")
		return nil
	case errors.Is(err, service.ErrInvalidInput):
		return backoff.Permanent(err)
	}
	return err
}
