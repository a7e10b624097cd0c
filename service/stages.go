package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"video-search/constant"
	"video-search/entities"
	"video-search/pkg/embedding"
	"video-search/pkg/media"
	"video-search/pkg/metrics"
	"video-search/pkg/transcribe"
	"video-search/pkg/vectorindex"
	"video-search/repository"
)

// probe downloads the source and reads its stream metadata.
func (o *orchestrator) probe(ctx context.Context, st *runState) error {
	if err := os.MkdirAll(st.workDir, os.ModePerm); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	st.source = filepath.Join(st.workDir, "source"+path.Ext(st.video.OriginalPath))

	dctx, cancel := withTimeout(ctx, o.cfg.Pipeline.DownloadTimeout)
	err := o.Store.Download(dctx, st.video.OriginalPath, st.source)
	cancel()
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}

	pctx, cancel := withTimeout(ctx, o.cfg.Pipeline.ProbeTimeout)
	info, err := o.Media.Probe(pctx, st.source)
	cancel()
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	st.info = info

	size := info.Size
	if size == 0 {
		if fi, err := os.Stat(st.source); err == nil {
			size = fi.Size()
		}
	}
	st.updates = map[string]any{
		"duration":  info.Duration,
		"width":     info.Width,
		"height":    info.Height,
		"fps":       info.FPS,
		"file_size": size,
	}
	zerolog.Ctx(ctx).Info().
		Float64("duration", info.Duration).
		Int("width", info.Width).
		Int("height", info.Height).
		Bool("has_audio", info.HasAudio).
		Msg("probed source")
	return nil
}

func (o *orchestrator) extractFrames(ctx context.Context, st *runState) error {
	framesDir := filepath.Join(st.workDir, "frames")
	if err := os.MkdirAll(framesDir, os.ModePerm); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}

	sctx, cancel := withTimeout(ctx, o.cfg.Pipeline.FramesTimeout)
	defer cancel()

	cuts, err := o.Media.DetectScenes(sctx, st.source, o.cfg.Media.SceneThreshold)
	if err != nil {
		return fmt.Errorf("scene detection: %w", err)
	}
	times := media.KeyframeTimes(cuts, st.info.Duration)
	if len(cuts) == 0 {
		zerolog.Ctx(ctx).Info().Int("keyframes", len(times)).Msg("no scene cut found, sampling fixed frames")
	}

	progress := o.newProgress(ctx, st.video.ID, len(times))
	keyframes, err := media.ExtractKeyframes(sctx, o.Media, st.source, framesDir, times, func(done, _ int) {
		progress.set(done)
	})
	if err != nil {
		return err
	}
	st.keyframes = keyframes

	updates := map[string]any{"frame_count": len(keyframes)}
	prefix := st.video.KeyframePrefix()
	thumbnail := filepath.Join(framesDir, constant.ThumbnailName)
	if err := o.Media.ExtractFrame(sctx, st.source, media.ThumbnailTime(st.info.Duration), thumbnail, o.cfg.Media.ThumbnailWidth); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("thumbnail extraction failed")
	} else {
		updates["thumbnail_path"] = prefix + constant.ThumbnailName
	}

	if err := o.Store.UploadDir(sctx, framesDir, prefix); err != nil {
		return fmt.Errorf("upload keyframes: %w", err)
	}
	st.updates = updates
	return nil
}

// extractAudio leaves st.audio empty when the video has nothing to transcribe.
func (o *orchestrator) extractAudio(ctx context.Context, st *runState) error {
	if !st.info.HasAudio {
		zerolog.Ctx(ctx).Info().Msg("no audio stream")
		return nil
	}
	out := filepath.Join(st.workDir, "audio.wav")

	actx, cancel := withTimeout(ctx, o.cfg.Pipeline.AudioTimeout)
	defer cancel()
	if err := o.Media.ExtractAudio(actx, st.source, out, o.cfg.Media.SampleRate); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}

	wav, err := media.InspectWAV(out)
	if err != nil {
		return fmt.Errorf("inspect audio: %w", err)
	}
	if wav.Samples() == 0 {
		zerolog.Ctx(ctx).Info().Msg("audio track is empty")
		return nil
	}
	st.audio = out
	return nil
}

func (o *orchestrator) transcribe(ctx context.Context, st *runState) error {
	if st.audio == "" {
		return nil
	}

	tctx, cancel := withTimeout(ctx, o.cfg.Pipeline.TranscribeTimeout)
	defer cancel()
	raw, err := o.Transcriber.Transcribe(tctx, st.audio)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	segments := transcribe.Normalize(raw)
	rows := make([]entities.TranscriptSegment, 0, len(segments))
	for i, s := range segments {
		row := entities.TranscriptSegment{
			Index:      i,
			Text:       s.Text,
			StartTime:  s.Start,
			EndTime:    s.End,
			Confidence: s.Confidence,
		}
		if s.Language != "" {
			lang := s.Language
			row.Language = &lang
		}
		rows = append(rows, row)
	}
	wctx, wcancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
	defer wcancel()
	if err := o.Repo.SaveTranscriptSegments(wctx, st.video.ID, rows); err != nil {
		return fmt.Errorf("save transcript: %w", notFound(err))
	}
	st.segments = rows
	zerolog.Ctx(ctx).Info().Int("segments", len(rows)).Msg("transcript saved")
	return nil
}

func (o *orchestrator) embed(ctx context.Context, st *runState) error {
	progress := o.newProgress(ctx, st.video.ID, len(st.keyframes)+len(st.segments))

	visual, err := o.embedKeyframes(ctx, st, progress)
	if err != nil {
		return err
	}
	speech, err := o.embedSegments(ctx, st, progress)
	if err != nil {
		return err
	}
	if len(st.keyframes) > 0 && len(visual) == 0 {
		return fmt.Errorf("%w: all %d keyframes failed", ErrNoEmbeddings, len(st.keyframes))
	}
	if len(st.segments) > 0 && len(speech) == 0 {
		return fmt.Errorf("%w: all %d transcript segments failed", ErrNoEmbeddings, len(st.segments))
	}

	ictx, cancel := withTimeout(ctx, o.cfg.Pipeline.IndexTimeout)
	defer cancel()
	if len(visual) > 0 {
		if err := o.Index.Upsert(ictx, o.cfg.Vector.VisualCollection, visual); err != nil {
			return fmt.Errorf("index visual vectors: %w", asDimensionError(err))
		}
	}
	if len(speech) > 0 {
		if err := o.Index.Upsert(ictx, o.cfg.Vector.SpeechCollection, speech); err != nil {
			return fmt.Errorf("index speech vectors: %w", asDimensionError(err))
		}
	}

	wctx, wcancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
	defer wcancel()
	if _, err := o.Repo.FindVideoById(wctx, st.video.ID); errors.Is(err, repository.ErrNotFound) {
		return ErrVideoNotFound
	}

	st.updates = map[string]any{
		"keyframe_count": len(visual),
		"processed_at":   time.Now().UTC(),
		"progress":       100,
	}
	zerolog.Ctx(ctx).Info().
		Int("visual_vectors", len(visual)).
		Int("speech_vectors", len(speech)).
		Msg("vectors indexed")
	return nil
}

// embedItems runs embed over n items on a bounded pool. An item that fails is
// skipped; only a dimension mismatch or the run ending aborts the batch.
func (o *orchestrator) embedItems(ctx context.Context, modality string, n int, progress *progress, embed func(ctx context.Context, i int) (*vectorindex.Point, error)) ([]vectorindex.Point, error) {
	points := make([]*vectorindex.Point, n)

	var g errgroup.Group
	g.SetLimit(max(o.cfg.Pipeline.EmbedWorkers, 1))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ectx, cancel := withTimeout(ctx, o.cfg.Pipeline.EmbedTimeout)
			defer cancel()

			p, err := embed(ectx, i)
			if err != nil {
				if errors.Is(err, embedding.ErrDimensionMismatch) {
					return errors.Join(ErrDimensionMismatch, err)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.SkippedItems.WithLabelValues(modality).Inc()
				zerolog.Ctx(ctx).Warn().Err(err).Str("modality", modality).Int("item", i).Msg("skipping item that failed to embed")
				progress.add(1)
				return nil
			}
			points[i] = p
			progress.add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]vectorindex.Point, 0, n)
	for _, p := range points {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (o *orchestrator) embedKeyframes(ctx context.Context, st *runState, progress *progress) ([]vectorindex.Point, error) {
	prefix := st.video.KeyframePrefix()
	return o.embedItems(ctx, modalityVisual, len(st.keyframes), progress, func(ctx context.Context, i int) (*vectorindex.Point, error) {
		kf := st.keyframes[i]
		vec, err := o.Visual.EmbedImage(ctx, kf.Path)
		if err != nil {
			return nil, err
		}
		return &vectorindex.Point{
			ID:     vectorindex.PointID(st.video.ID, modalityVisual, kf.Index),
			Vector: vec,
			Payload: vectorindex.Payload{
				VideoID:      st.video.ID,
				Timestamp:    kf.Timestamp,
				FramePath:    prefix + filepath.Base(kf.Path),
				SegmentIndex: kf.Index,
			},
		}, nil
	})
}

func (o *orchestrator) embedSegments(ctx context.Context, st *runState, progress *progress) ([]vectorindex.Point, error) {
	return o.embedItems(ctx, modalitySpeech, len(st.segments), progress, func(ctx context.Context, i int) (*vectorindex.Point, error) {
		seg := st.segments[i]
		vec, err := o.Text.EmbedText(ctx, seg.Text)
		if err != nil {
			return nil, err
		}
		end := seg.EndTime
		return &vectorindex.Point{
			ID:     vectorindex.PointID(st.video.ID, modalitySpeech, seg.Index),
			Vector: vec,
			Payload: vectorindex.Payload{
				VideoID:      st.video.ID,
				Timestamp:    seg.StartTime,
				EndTime:      &end,
				SegmentIndex: seg.Index,
				Text:         seg.Text,
			},
		}, nil
	})
}

// progress persists the percentage done within the current stage, writing
// only on whole steps of progressStep.
type progress struct {
	ctx    context.Context
	repo   repository.VideoRepository
	id     uuid.UUID
	total  int
	mu     sync.Mutex
	done   int
	stored int
}

const progressStep = 10

func (o *orchestrator) newProgress(ctx context.Context, id uuid.UUID, total int) *progress {
	return &progress{ctx: ctx, repo: o.Repo, id: id, total: total}
}

func (p *progress) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.update(p.done + n)
}

func (p *progress) set(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.update(done)
}

func (p *progress) update(done int) {
	if p.total <= 0 {
		return
	}
	p.done = done
	pct := min(done*100/p.total, 100)
	if pct-p.stored < progressStep && pct != 100 {
		return
	}
	if pct == p.stored {
		return
	}
	p.stored = pct
	if err := p.repo.UpdateVideo(p.ctx, p.id, map[string]any{"progress": pct}); err != nil {
		zerolog.Ctx(p.ctx).Debug().Err(err).Msg("failed to store progress")
	}
}
