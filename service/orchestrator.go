package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"video-search/config"
	"video-search/constant"
	"video-search/dto"
	"video-search/entities"
	"video-search/pkg/embedding"
	"video-search/pkg/media"
	"video-search/pkg/metrics"
	"video-search/pkg/storage"
	"video-search/pkg/transcribe"
	"video-search/pkg/vectorindex"
	"video-search/repository"
)

const interruptedMessage = "processing interrupted"

const (
	modalityVisual = "visual"
	modalitySpeech = "speech"
)

// Dispatch hands an admitted video over to whatever runs the pipeline.
type Dispatch func(ctx context.Context, msg dto.IngestMessage) error

type Dependencies struct {
	Repo        repository.VideoRepository
	Store       storage.ObjectStore
	Media       media.Tool
	Transcriber transcribe.Transcriber
	Visual      embedding.ImageEmbedder
	Text        embedding.TextEmbedder
	Index       vectorindex.Index
	// Dispatch is nil when runs happen in this process.
	Dispatch Dispatch
}

type Orchestrator interface {
	// Ingest registers the video if needed, rejects it when a run is active
	// or it is already indexed, and dispatches a run.
	Ingest(ctx context.Context, videoID uuid.UUID, objectPath, filename string) (*entities.Video, error)
	// Run executes the whole pipeline for one video and returns once it has
	// completed or failed.
	Run(ctx context.Context, msg dto.IngestMessage) error
	Retry(ctx context.Context, videoID uuid.UUID) (*entities.Video, error)
	// Cancel asks the run to stop at its next stage boundary.
	Cancel(ctx context.Context, videoID uuid.UUID) error
	// Stop aborts a local run mid-stage. The returned channel closes when the
	// run has ended; it is nil when no local run exists.
	Stop(videoID uuid.UUID) <-chan struct{}
	Wait()
}

type run struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

type orchestrator struct {
	Dependencies
	cfg   *config.Config
	owner string

	mu   sync.Mutex
	runs map[uuid.UUID]*run
	wg   sync.WaitGroup
}

func NewOrchestrator(deps Dependencies, cfg *config.Config) Orchestrator {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &orchestrator{
		Dependencies: deps,
		cfg:          cfg,
		owner:        fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		runs:         make(map[uuid.UUID]*run),
	}
}

// runState carries one run's durable outputs from stage to stage.
type runState struct {
	video     *entities.Video
	status    constant.VideoStatus
	workDir   string
	source    string
	audio     string
	info      *media.VideoInfo
	keyframes []media.Keyframe
	segments  []entities.TranscriptSegment
	// updates are persisted together with the next transition
	updates map[string]any
}

type stage struct {
	status constant.VideoStatus
	run    func(ctx context.Context, st *runState) error
}

func (o *orchestrator) stages() []stage {
	return []stage{
		{constant.VideoStatusProcessing, o.probe},
		{constant.VideoStatusExtractingFrames, o.extractFrames},
		{constant.VideoStatusExtractingAudio, o.extractAudio},
		{constant.VideoStatusTranscribing, o.transcribe},
		{constant.VideoStatusEmbedding, o.embed},
	}
}

func (o *orchestrator) collections() []string {
	return []string{o.cfg.Vector.VisualCollection, o.cfg.Vector.SpeechCollection}
}

func (o *orchestrator) Ingest(ctx context.Context, videoID uuid.UUID, objectPath, filename string) (*entities.Video, error) {
	video, err := o.admit(ctx, videoID, objectPath, filename)
	if err != nil {
		return nil, err
	}

	msg := dto.IngestMessage{VideoId: video.ID, ObjectPath: video.OriginalPath, FileName: video.Filename}
	if o.Dispatch != nil {
		if err := o.Dispatch(ctx, msg); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("video_id", video.ID.String()).Msg("failed to dispatch ingest")
			o.abandon(ctx, video.ID, err)
			return nil, err
		}
		return video, nil
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(runCtx, msg); err != nil {
			zerolog.Ctx(runCtx).Warn().Err(err).Str("video_id", msg.VideoId.String()).Msg("ingest run ended with error")
		}
	}()
	return video, nil
}

// abandon fails an admitted video whose run could not be handed over, so a
// later trigger can reset it instead of finding it pending forever.
func (o *orchestrator) abandon(ctx context.Context, id uuid.UUID, cause error) {
	wctx, cancel := withTimeout(context.WithoutCancel(ctx), o.cfg.Pipeline.MetadataTimeout)
	defer cancel()
	err := o.Repo.TransitionStatus(wctx, id, constant.VideoStatusPending, constant.VideoStatusFailed, map[string]any{
		"error_message": fmt.Sprintf("dispatch failed: %v", cause),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("video_id", id.String()).Msg("failed to record dispatch failure")
	}
}

func (o *orchestrator) admit(ctx context.Context, videoID uuid.UUID, objectPath, filename string) (*entities.Video, error) {
	if videoID == uuid.Nil {
		return nil, fmt.Errorf("%w: video id is required", ErrInvalidInput)
	}
	if o.running(videoID) {
		return nil, ErrAlreadyRunning
	}

	video, err := o.Repo.FindVideoById(ctx, videoID)
	if errors.Is(err, repository.ErrNotFound) {
		return o.register(ctx, videoID, objectPath, filename)
	}
	if err != nil {
		return nil, err
	}
	if err := o.prepare(ctx, video, false); err != nil {
		return nil, err
	}
	return video, nil
}

func (o *orchestrator) register(ctx context.Context, videoID uuid.UUID, objectPath, filename string) (*entities.Video, error) {
	if objectPath == "" {
		return nil, fmt.Errorf("%w: object path is required", ErrInvalidInput)
	}
	if filename == "" {
		filename = path.Base(objectPath)
	}
	video := &entities.Video{
		ID:           videoID,
		Filename:     filename,
		OriginalPath: objectPath,
		Status:       constant.VideoStatusPending,
	}
	if err := o.Repo.CreateVideo(ctx, video); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("video_id", videoID.String()).Str("object_path", objectPath).Msg("video registered")
	return video, nil
}

func (o *orchestrator) leaseHeld(video *entities.Video) bool {
	if video.LeaseOwner == nil || video.ProcessingSince == nil {
		return false
	}
	return time.Since(*video.ProcessingSince) < o.cfg.Pipeline.LeaseStaleAfter
}

// prepare brings an existing video back to pending so a new run can start.
// Without ownLease it is an admission: a pending video already has a run
// queued and is rejected.
func (o *orchestrator) prepare(ctx context.Context, video *entities.Video, ownLease bool) error {
	switch {
	case video.Status == constant.VideoStatusCompleted:
		return ErrAlreadyIngested
	case !ownLease && o.leaseHeld(video):
		return ErrAlreadyRunning
	case !ownLease && video.Status == constant.VideoStatusPending:
		return ErrAlreadyRunning
	case video.Status.Active():
		// the previous run died mid-stage and left its lease to go stale
		wctx, cancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
		err := o.Repo.TransitionStatus(wctx, video.ID, video.Status, constant.VideoStatusFailed, map[string]any{
			"error_message": interruptedMessage,
		})
		cancel()
		if err != nil {
			return transitionError(err)
		}
		video.Status = constant.VideoStatusFailed
		fallthrough
	case video.Status == constant.VideoStatusFailed:
		return o.reset(ctx, video)
	}
	return nil
}

// reset drops everything a failed run left behind.
func (o *orchestrator) reset(ctx context.Context, video *entities.Video) error {
	ictx, cancel := withTimeout(ctx, o.cfg.Pipeline.IndexTimeout)
	defer cancel()
	for _, coll := range o.collections() {
		if err := o.Index.DeleteByVideo(ictx, coll, video.ID); err != nil {
			return fmt.Errorf("delete %s vectors: %w", coll, err)
		}
	}
	if err := o.Store.RemovePrefix(ictx, video.KeyframePrefix()); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("video_id", video.ID.String()).Msg("failed to remove old keyframes")
	}

	wctx, wcancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
	defer wcancel()
	if err := o.Repo.ResetVideo(wctx, video.ID); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// another trigger reset it first
			return ErrAlreadyRunning
		}
		return transitionError(err)
	}
	video.Status = constant.VideoStatusPending
	video.ErrorMessage = nil
	video.FrameCount = 0
	video.KeyframeCount = 0
	video.ThumbnailPath = nil
	video.ProcessedAt = nil
	zerolog.Ctx(ctx).Info().Str("video_id", video.ID.String()).Msg("video reset for a new run")
	return nil
}

func (o *orchestrator) Run(ctx context.Context, msg dto.IngestMessage) error {
	logger := zerolog.Ctx(ctx).With().Str("video_id", msg.VideoId.String()).Logger()
	ctx = logger.WithContext(ctx)

	ctx, r, ok := o.track(ctx, msg.VideoId)
	if !ok {
		return ErrAlreadyRunning
	}
	defer o.untrack(msg.VideoId, r)

	video, err := o.Repo.FindVideoById(ctx, msg.VideoId)
	if errors.Is(err, repository.ErrNotFound) {
		video, err = o.register(ctx, msg.VideoId, msg.ObjectPath, msg.FileName)
	}
	if err != nil {
		return err
	}
	if err := runnable(video); err != nil {
		return err
	}

	claimed, err := o.Repo.ClaimLease(ctx, video.ID, o.owner, o.cfg.Pipeline.LeaseStaleAfter)
	if err != nil {
		return notFound(err)
	}
	if !claimed {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := o.Repo.ReleaseLease(context.WithoutCancel(ctx), video.ID, o.owner); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to release lease")
		}
	}()

	video, err = o.Repo.FindVideoById(ctx, video.ID)
	if err != nil {
		return notFound(err)
	}
	if err := runnable(video); err != nil {
		return err
	}
	if err := o.prepare(ctx, video, true); err != nil {
		return err
	}

	metrics.IngestsInFlight.Inc()
	defer metrics.IngestsInFlight.Dec()
	return o.execute(ctx, r, video)
}

// runnable rejects queued runs for videos whose outcome is already recorded.
// A failed video is only reset by Ingest or Retry, never by a delivery.
func runnable(video *entities.Video) error {
	switch video.Status {
	case constant.VideoStatusCompleted:
		return ErrAlreadyIngested
	case constant.VideoStatusFailed:
		return ErrRunEnded
	}
	return nil
}

func (o *orchestrator) execute(ctx context.Context, r *run, video *entities.Video) error {
	st := &runState{
		video:   video,
		status:  video.Status,
		workDir: filepath.Join(o.cfg.Media.WorkDir, video.ID.String()),
	}
	defer os.RemoveAll(st.workDir)

	zerolog.Ctx(ctx).Info().Str("object_path", video.OriginalPath).Msg("ingest started")
	for _, s := range o.stages() {
		if err := o.checkpoint(ctx, r); err != nil {
			return o.fail(ctx, r, st, err)
		}
		if err := o.advance(ctx, st, s.status); err != nil {
			return o.fail(ctx, r, st, err)
		}
		started := time.Now()
		err := s.run(ctx, st)
		metrics.ObserveStage(s.status.String(), started)
		if err != nil {
			return o.fail(ctx, r, st, err)
		}
	}
	if err := o.checkpoint(ctx, r); err != nil {
		return o.fail(ctx, r, st, err)
	}
	if err := o.advance(ctx, st, constant.VideoStatusCompleted); err != nil {
		return o.fail(ctx, r, st, err)
	}
	zerolog.Ctx(ctx).Info().
		Int("keyframes", len(st.keyframes)).
		Int("segments", len(st.segments)).
		Msg("ingest completed")
	return nil
}

func (o *orchestrator) checkpoint(ctx context.Context, r *run) error {
	if r.cancelled.Load() || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// advance commits the transition, with the previous stage's outputs, before
// the next stage starts working.
func (o *orchestrator) advance(ctx context.Context, st *runState, to constant.VideoStatus) error {
	updates := st.updates
	st.updates = nil
	wctx, cancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
	defer cancel()
	if err := o.Repo.TransitionStatus(wctx, st.video.ID, st.status, to, updates); err != nil {
		return transitionError(err)
	}
	st.status = to
	st.video.Status = to
	zerolog.Ctx(ctx).Info().Str("stage", to.String()).Msg("stage entered")
	return nil
}

func (o *orchestrator) fail(ctx context.Context, r *run, st *runState, err error) error {
	writeCtx := context.WithoutCancel(ctx)
	id := st.video.ID

	if errors.Is(err, ErrVideoNotFound) {
		zerolog.Ctx(ctx).Warn().Str("stage", st.status.String()).Msg("video deleted during ingest")
		o.dropArtifacts(writeCtx, st.video)
		return err
	}
	if ctx.Err() != nil && !r.cancelled.Load() {
		// shutdown, not a user cancel: nothing is recorded and the lease is
		// released, so the redelivered message recovers the video
		zerolog.Ctx(ctx).Warn().Err(err).Str("stage", st.status.String()).Msg("ingest interrupted")
		return fmt.Errorf("%w: during %s", ErrInterrupted, st.status)
	}
	if errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}

	stageErr := &StageError{VideoID: id, Stage: st.status, Err: err}
	metrics.StageFailures.WithLabelValues(st.status.String()).Inc()
	zerolog.Ctx(ctx).Error().Err(err).Str("stage", st.status.String()).Msg("ingest failed")

	message := stageErr.Error()
	wctx, cancel := withTimeout(writeCtx, o.cfg.Pipeline.MetadataTimeout)
	terr := o.Repo.TransitionStatus(wctx, id, st.status, constant.VideoStatusFailed, map[string]any{
		"error_message": message,
	})
	cancel()
	switch {
	case terr == nil:
		st.status = constant.VideoStatusFailed
	case errors.Is(terr, repository.ErrNotFound):
		o.dropArtifacts(writeCtx, st.video)
	default:
		zerolog.Ctx(ctx).Error().Err(terr).Msg("failed to record failure")
	}
	return stageErr
}

// dropArtifacts removes what the run wrote for a video deleted under it.
func (o *orchestrator) dropArtifacts(ctx context.Context, video *entities.Video) {
	ictx, cancel := withTimeout(ctx, o.cfg.Pipeline.IndexTimeout)
	defer cancel()
	for _, coll := range o.collections() {
		if err := o.Index.DeleteByVideo(ictx, coll, video.ID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("collection", coll).Msg("failed to drop vectors of deleted video")
		}
	}
	if err := o.Store.RemovePrefix(ictx, video.KeyframePrefix()); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to drop keyframes of deleted video")
	}
}

func (o *orchestrator) Retry(ctx context.Context, videoID uuid.UUID) (*entities.Video, error) {
	video, err := o.Repo.FindVideoById(ctx, videoID)
	if err != nil {
		return nil, notFound(err)
	}
	if !constant.CanReset(video.Status) {
		return nil, fmt.Errorf("%w: cannot retry a %s video", ErrInvalidTransition, video.Status)
	}
	return o.Ingest(ctx, videoID, video.OriginalPath, video.Filename)
}

func (o *orchestrator) Cancel(ctx context.Context, videoID uuid.UUID) error {
	o.mu.Lock()
	r := o.runs[videoID]
	o.mu.Unlock()
	if r != nil {
		r.cancelled.Store(true)
		zerolog.Ctx(ctx).Info().Str("video_id", videoID.String()).Msg("cancellation requested")
		return nil
	}

	// Not running here: the run either waits in the queue or belongs to
	// another worker, which will fail its next transition.
	video, err := o.Repo.FindVideoById(ctx, videoID)
	if err != nil {
		return notFound(err)
	}
	if video.Status.Terminal() {
		return fmt.Errorf("%w: video is %s", ErrInvalidTransition, video.Status)
	}
	wctx, cancel := withTimeout(ctx, o.cfg.Pipeline.MetadataTimeout)
	defer cancel()
	err = o.Repo.TransitionStatus(wctx, videoID, video.Status, constant.VideoStatusFailed, map[string]any{
		"error_message": constant.CancelledMessage,
	})
	return transitionError(err)
}

func (o *orchestrator) Stop(videoID uuid.UUID) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.runs[videoID]
	if r == nil {
		return nil
	}
	r.cancelled.Store(true)
	r.cancel()
	return r.done
}

func (o *orchestrator) Wait() {
	o.wg.Wait()
}

func (o *orchestrator) running(videoID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[videoID]
	return ok
}

func (o *orchestrator) track(ctx context.Context, videoID uuid.UUID) (context.Context, *run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[videoID]; ok {
		return ctx, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[videoID] = r
	return runCtx, r, true
}

func (o *orchestrator) untrack(videoID uuid.UUID, r *run) {
	o.mu.Lock()
	delete(o.runs, videoID)
	o.mu.Unlock()
	r.cancel()
	close(r.done)
}

func transitionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrVideoNotFound
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrStatusConflict):
		return errors.Join(ErrInvalidTransition, err)
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrVideoNotFound
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
