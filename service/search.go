package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"video-search/config"
	"video-search/constant"
	"video-search/dto"
	"video-search/pkg/embedding"
	"video-search/pkg/metrics"
	"video-search/pkg/vectorindex"
	"video-search/repository"
)

// maxCandidates caps the per-modality pool fetched from the index.
const maxCandidates = 200

type SearchEngine interface {
	Search(ctx context.Context, req dto.SearchRequest) (*dto.SearchResponse, error)
}

type searchEngine struct {
	repo   repository.VideoRepository
	index  vectorindex.Index
	visual embedding.ImageEmbedder
	text   embedding.TextEmbedder
	scorer Scorer
	cfg    config.Search
	coll   config.Vector
}

func NewSearchEngine(
	repo repository.VideoRepository,
	index vectorindex.Index,
	visual embedding.ImageEmbedder,
	text embedding.TextEmbedder,
	cfg *config.Config,
) SearchEngine {
	return &searchEngine{
		repo:   repo,
		index:  index,
		visual: visual,
		text:   text,
		scorer: Scorer{VisualMidpoint: cfg.Search.VisualMidpoint, VisualSteepness: cfg.Search.VisualSteepness},
		cfg:    cfg.Search,
		coll:   cfg.Vector,
	}
}

type searchParams struct {
	query     string
	mode      constant.SearchMode
	limit     int
	threshold float64
}

func (s *searchEngine) validate(req dto.SearchRequest) (searchParams, error) {
	p := searchParams{
		query:     strings.TrimSpace(req.Query),
		mode:      constant.SearchMode(strings.ToLower(strings.TrimSpace(req.Mode))),
		limit:     req.Limit,
		threshold: s.cfg.DefaultThresh,
	}
	if p.query == "" {
		return p, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if s.cfg.MaxQueryLength > 0 && utf8.RuneCountInString(p.query) > s.cfg.MaxQueryLength {
		return p, fmt.Errorf("%w: query longer than %d characters", ErrInvalidQuery, s.cfg.MaxQueryLength)
	}
	if p.mode == "" {
		p.mode = constant.SearchModeHybrid
	}
	if !p.mode.Valid() {
		return p, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	if p.limit <= 0 {
		p.limit = s.cfg.DefaultLimit
	}
	if s.cfg.MaxLimit > 0 && p.limit > s.cfg.MaxLimit {
		p.limit = s.cfg.MaxLimit
	}
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			return p, fmt.Errorf("%w: threshold must be within [0, 1]", ErrInvalidQuery)
		}
		p.threshold = *req.Threshold
	}
	return p, nil
}

func (s *searchEngine) poolSize(limit int) int {
	factor := s.cfg.Overfetch
	if factor < 1 {
		factor = 1
	}
	return min(limit*factor, maxCandidates)
}

func (s *searchEngine) Search(ctx context.Context, req dto.SearchRequest) (*dto.SearchResponse, error) {
	p, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.SearchDuration.WithLabelValues(p.mode.String()).Observe(time.Since(start).Seconds())
	}()

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	pool := s.poolSize(p.limit)
	var visualHits, speechHits []candidate

	g, gctx := errgroup.WithContext(ctx)
	if p.mode.UsesVisual() {
		g.Go(func() error {
			hits, err := s.queryModality(gctx, s.visual, s.coll.VisualCollection, p.query, pool, s.scorer.VisualThreshold(p.threshold))
			if err != nil {
				return fmt.Errorf("visual search: %w", err)
			}
			visualHits = candidatesFromHits(hits, constant.ResultTypeVisual, s.scorer.Visual)
			return nil
		})
	}
	if p.mode.UsesSpeech() {
		g.Go(func() error {
			hits, err := s.queryModality(gctx, s.text, s.coll.SpeechCollection, p.query, pool, s.scorer.SpeechThreshold(p.threshold))
			if err != nil {
				return fmt.Errorf("speech search: %w", err)
			}
			speechHits = candidatesFromHits(hits, constant.ResultTypeSpeech, s.scorer.Speech)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("mode", p.mode.String()).Msg("search failed")
		return nil, err
	}

	fused := fuse(s.cfg.DedupWindow, visualHits, speechHits)
	results, err := s.enrich(ctx, fused, p.limit)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("mode", p.mode.String()).
		Int("limit", p.limit).
		Int("visual_hits", len(visualHits)).
		Int("speech_hits", len(speechHits)).
		Int("results", len(results)).
		Msg("search completed")

	return &dto.SearchResponse{
		Query:   p.query,
		Mode:    p.mode.String(),
		Results: results,
		Total:   len(results),
	}, nil
}

func (s *searchEngine) queryModality(ctx context.Context, embedder embedding.TextEmbedder, collection, query string, topK int, threshold float64) ([]vectorindex.Hit, error) {
	vec, err := embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, asDimensionError(err)
	}
	hits, err := s.index.Query(ctx, collection, vec, topK, threshold)
	if err != nil {
		return nil, asDimensionError(err)
	}
	return hits, nil
}

func asDimensionError(err error) error {
	if errors.Is(err, embedding.ErrDimensionMismatch) || errors.Is(err, vectorindex.ErrDimensionMismatch) {
		return errors.Join(ErrDimensionMismatch, err)
	}
	return err
}

// enrich attaches display metadata and drops hits whose video no longer
// exists, then cuts the list to limit.
func (s *searchEngine) enrich(ctx context.Context, fused []candidate, limit int) ([]dto.SearchResult, error) {
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0)
	for _, c := range fused {
		if _, ok := seen[c.VideoID]; ok {
			continue
		}
		seen[c.VideoID] = struct{}{}
		ids = append(ids, c.VideoID)
	}
	videos, err := s.repo.FindVideosByIds(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]dto.SearchResult, 0, min(limit, len(fused)))
	for _, c := range fused {
		if len(results) == limit {
			break
		}
		video, ok := videos[c.VideoID]
		if !ok {
			continue
		}
		r := dto.SearchResult{
			VideoId:      c.VideoID,
			Filename:     video.Filename,
			Timestamp:    c.Timestamp,
			EndTimestamp: c.EndTime,
			Score:        c.Score,
			ResultType:   c.ResultType.String(),
			Thumbnail:    video.ThumbnailPath,
		}
		if c.Text != "" {
			text := c.Text
			r.Text = &text
		}
		if c.FramePath != "" {
			frame := c.FramePath
			r.FramePath = &frame
		}
		results = append(results, r)
	}
	return results, nil
}
