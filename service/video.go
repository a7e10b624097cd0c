package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"video-search/config"
	"video-search/constant"
	"video-search/dto"
	"video-search/entities"
	"video-search/pkg/storage"
	"video-search/pkg/vectorindex"
	"video-search/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type VideoService interface {
	GetStatus(ctx context.Context, videoID uuid.UUID) (*dto.StatusResponse, error)
	GetTranscript(ctx context.Context, videoID uuid.UUID) (*dto.TranscriptResponse, error)
	List(ctx context.Context, page, pageSize int) (*dto.VideoListResponse, error)
	// Delete removes the video, its transcript, its stored files and its
	// vectors in both collections, stopping a local run first.
	Delete(ctx context.Context, videoID uuid.UUID) error
}

type videoService struct {
	repo         repository.VideoRepository
	store        storage.ObjectStore
	index        vectorindex.Index
	orchestrator Orchestrator
	cfg          *config.Config
}

func NewVideoService(repo repository.VideoRepository, store storage.ObjectStore, index vectorindex.Index, orchestrator Orchestrator, cfg *config.Config) VideoService {
	return &videoService{
		repo:         repo,
		store:        store,
		index:        index,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

func (s *videoService) GetStatus(ctx context.Context, videoID uuid.UUID) (*dto.StatusResponse, error) {
	video, err := s.repo.FindVideoById(ctx, videoID)
	if err != nil {
		return nil, notFound(err)
	}
	resp := toStatusResponse(video)
	return &resp, nil
}

func toStatusResponse(video *entities.Video) dto.StatusResponse {
	return dto.StatusResponse{
		VideoId:       video.ID,
		Filename:      video.Filename,
		Status:        video.Status.String(),
		ErrorMessage:  video.ErrorMessage,
		FileSize:      video.FileSize,
		Duration:      video.Duration,
		Width:         video.Width,
		Height:        video.Height,
		FPS:           video.FPS,
		FrameCount:    video.FrameCount,
		KeyframeCount: video.KeyframeCount,
		ThumbnailPath: video.ThumbnailPath,
		Progress:      progressOf(video),
		CreatedAt:     video.CreatedAt,
		UpdatedAt:     video.UpdatedAt,
		ProcessedAt:   video.ProcessedAt,
	}
}

func progressOf(video *entities.Video) dto.Progress {
	p := dto.Progress{
		Stage:      video.Status.String(),
		StageIndex: video.Status.StageIndex(),
		StageCount: len(constant.Pipeline),
	}
	switch {
	case video.Status == constant.VideoStatusCompleted:
		p.Percent = 100
	case video.Status.Active():
		p.Percent = min(max(video.Progress, 0), 100)
	}
	return p
}

func (s *videoService) GetTranscript(ctx context.Context, videoID uuid.UUID) (*dto.TranscriptResponse, error) {
	if _, err := s.repo.FindVideoById(ctx, videoID); err != nil {
		return nil, notFound(err)
	}
	rows, err := s.repo.GetTranscriptSegments(ctx, videoID)
	if err != nil {
		return nil, err
	}

	segments := make([]dto.TranscriptSegment, 0, len(rows))
	texts := make([]string, 0, len(rows))
	for _, r := range rows {
		segments = append(segments, dto.TranscriptSegment{
			Text:       r.Text,
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
			Confidence: r.Confidence,
		})
		texts = append(texts, r.Text)
	}
	return &dto.TranscriptResponse{
		VideoId:  videoID,
		Segments: segments,
		FullText: strings.Join(texts, " "),
	}, nil
}

func (s *videoService) List(ctx context.Context, page, pageSize int) (*dto.VideoListResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	videos, total, err := s.repo.ListVideos(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]dto.StatusResponse, 0, len(videos))
	for _, v := range videos {
		items = append(items, toStatusResponse(v))
	}
	return &dto.VideoListResponse{
		Videos:   items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (s *videoService) Delete(ctx context.Context, videoID uuid.UUID) error {
	logger := zerolog.Ctx(ctx).With().Str("video_id", videoID.String()).Logger()

	video, err := s.repo.FindVideoById(ctx, videoID)
	if err != nil {
		return notFound(err)
	}

	if done := s.orchestrator.Stop(videoID); done != nil {
		logger.Info().Str("status", video.Status.String()).Msg("waiting for running ingest to stop")
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Vectors go first: if they cannot be removed the metadata record stays
	// so the delete can be retried.
	var vectorErrs []error
	ictx, cancel := withTimeout(ctx, s.cfg.Pipeline.IndexTimeout)
	defer cancel()
	for _, coll := range []string{s.cfg.Vector.VisualCollection, s.cfg.Vector.SpeechCollection} {
		if err := s.index.DeleteByVideo(ictx, coll, videoID); err != nil {
			vectorErrs = append(vectorErrs, fmt.Errorf("delete %s vectors: %w", coll, err))
		}
	}
	if len(vectorErrs) > 0 {
		err := errors.Join(append([]error{ErrInconsistentDelete}, vectorErrs...)...)
		logger.Error().Err(err).Msg("vector delete failed")
		return err
	}

	if err := s.store.RemovePrefix(ictx, video.KeyframePrefix()); err != nil {
		logger.Warn().Err(err).Msg("failed to remove keyframes")
	}
	if err := s.store.Remove(ictx, video.OriginalPath); err != nil {
		logger.Warn().Err(err).Msg("failed to remove source video")
	}

	wctx, wcancel := withTimeout(ctx, s.cfg.Pipeline.MetadataTimeout)
	defer wcancel()
	if err := s.repo.DeleteVideo(wctx, videoID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		err = errors.Join(ErrInconsistentDelete, fmt.Errorf("delete metadata: %w", err))
		logger.Error().Err(err).Msg("metadata delete failed after vectors were removed")
		return err
	}
	logger.Info().Msg("video deleted")
	return nil
}
