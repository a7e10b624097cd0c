package service

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"video-search/config"
	"video-search/constant"
	"video-search/dto"
	"video-search/entities"
	"video-search/pkg/media"
	"video-search/pkg/storage"
	"video-search/pkg/transcribe"
	"video-search/pkg/vectorindex"
	"video-search/repository"
)

type fakeRepo struct {
	mu       sync.Mutex
	videos   map[uuid.UUID]*entities.Video
	segments map[uuid.UUID][]entities.TranscriptSegment
	history  map[uuid.UUID][]constant.VideoStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		videos:   make(map[uuid.UUID]*entities.Video),
		segments: make(map[uuid.UUID][]entities.TranscriptSegment),
		history:  make(map[uuid.UUID][]constant.VideoStatus),
	}
}

func (r *fakeRepo) GetDB() *gorm.DB { return nil }

func (r *fakeRepo) AutoMigrate(context.Context) error { return nil }

func (r *fakeRepo) CreateVideo(_ context.Context, video *entities.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if video.ID == uuid.Nil {
		video.ID = uuid.New()
	}
	if video.Status == "" {
		video.Status = constant.VideoStatusPending
	}
	if _, ok := r.videos[video.ID]; ok {
		return repository.ErrAlreadyExists
	}
	now := time.Now()
	video.CreatedAt, video.UpdatedAt = now, now
	cp := *video
	r.videos[video.ID] = &cp
	r.history[video.ID] = append(r.history[video.ID], video.Status)
	return nil
}

func (r *fakeRepo) FindVideoById(_ context.Context, id uuid.UUID) (*entities.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (r *fakeRepo) FindVideosByIds(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*entities.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := make(map[uuid.UUID]*entities.Video)
	for _, id := range ids {
		if v, ok := r.videos[id]; ok {
			cp := *v
			found[id] = &cp
		}
	}
	return found, nil
}

func (r *fakeRepo) ListVideos(_ context.Context, offset, limit int) ([]*entities.Video, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*entities.Video, 0, len(r.videos))
	for _, v := range r.videos {
		cp := *v
		all = append(all, &cp)
	}
	// newest first, id as tie-break
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			a, b := all[j-1], all[j]
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID.String() < b.ID.String()) {
				break
			}
			all[j-1], all[j] = b, a
		}
	}
	total := int64(len(all))
	if offset >= len(all) {
		return []*entities.Video{}, total, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], total, nil
}

func (r *fakeRepo) ClaimLease(_ context.Context, id uuid.UUID, owner string, staleAfter time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	now := time.Now()
	if v.LeaseOwner != nil && v.ProcessingSince != nil && now.Sub(*v.ProcessingSince) < staleAfter {
		return false, nil
	}
	v.LeaseOwner = &owner
	v.ProcessingSince = &now
	return true, nil
}

func (r *fakeRepo) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.videos[id]; ok && v.LeaseOwner != nil && *v.LeaseOwner == owner {
		v.LeaseOwner = nil
		v.ProcessingSince = nil
	}
	return nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id uuid.UUID, from, to constant.VideoStatus, updates map[string]any) error {
	if !constant.CanTransition(from, to) {
		return repository.ErrInvalidTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return repository.ErrNotFound
	}
	if v.Status != from {
		return repository.ErrStatusConflict
	}
	v.Status = to
	v.Progress = 0
	applyUpdates(v, updates)
	r.history[id] = append(r.history[id], to)
	return nil
}

func (r *fakeRepo) UpdateVideo(_ context.Context, id uuid.UUID, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyUpdates(v, updates)
	return nil
}

func (r *fakeRepo) SaveTranscriptSegments(_ context.Context, id uuid.UUID, segments []entities.TranscriptSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[id]; !ok {
		return repository.ErrNotFound
	}
	for i := range segments {
		segments[i].VideoID = id
		if segments[i].ID == uuid.Nil {
			segments[i].ID = uuid.New()
		}
	}
	r.segments[id] = append([]entities.TranscriptSegment(nil), segments...)
	return nil
}

func (r *fakeRepo) GetTranscriptSegments(_ context.Context, id uuid.UUID) ([]entities.TranscriptSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.TranscriptSegment(nil), r.segments[id]...), nil
}

func (r *fakeRepo) ResetVideo(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok || v.Status != constant.VideoStatusFailed {
		return repository.ErrInvalidTransition
	}
	delete(r.segments, id)
	v.Status = constant.VideoStatusPending
	v.ErrorMessage = nil
	v.FrameCount = 0
	v.KeyframeCount = 0
	v.Progress = 0
	v.ThumbnailPath = nil
	v.ProcessedAt = nil
	r.history[id] = append(r.history[id], constant.VideoStatusPending)
	return nil
}

func (r *fakeRepo) DeleteVideo(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.videos, id)
	delete(r.segments, id)
	return nil
}

func (r *fakeRepo) statusHistory(id uuid.UUID) []constant.VideoStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]constant.VideoStatus(nil), r.history[id]...)
}

func (r *fakeRepo) put(v *entities.Video) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.videos[v.ID] = &cp
	r.history[v.ID] = append(r.history[v.ID], v.Status)
}

func applyUpdates(v *entities.Video, updates map[string]any) {
	for k, val := range updates {
		switch k {
		case "status":
			v.Status = val.(constant.VideoStatus)
		case "progress":
			v.Progress = val.(int)
		case "error_message":
			v.ErrorMessage = stringPtr(val)
		case "thumbnail_path":
			v.ThumbnailPath = stringPtr(val)
		case "frame_count":
			v.FrameCount = val.(int)
		case "keyframe_count":
			v.KeyframeCount = val.(int)
		case "file_size":
			v.FileSize = val.(int64)
		case "duration":
			f := val.(float64)
			v.Duration = &f
		case "fps":
			f := val.(float64)
			v.FPS = &f
		case "width":
			i := val.(int)
			v.Width = &i
		case "height":
			i := val.(int)
			v.Height = &i
		case "processed_at":
			if t, ok := val.(time.Time); ok {
				v.ProcessedAt = &t
			} else {
				v.ProcessedAt = nil
			}
		}
	}
}

func stringPtr(val any) *string {
	if s, ok := val.(string); ok {
		return &s
	}
	return nil
}

// scriptedMedia stands in for ffmpeg: frames and audio are small files whose
// content is derived from the request.
type scriptedMedia struct {
	info       media.VideoInfo
	cuts       []float64
	audioBytes uint32
	probeErr   error
	onScenes   func()
}

func (m *scriptedMedia) Probe(context.Context, string) (*media.VideoInfo, error) {
	if m.probeErr != nil {
		return nil, m.probeErr
	}
	info := m.info
	return &info, nil
}

func (m *scriptedMedia) DetectScenes(context.Context, string, float64) ([]float64, error) {
	if m.onScenes != nil {
		m.onScenes()
	}
	return append([]float64(nil), m.cuts...), nil
}

func (m *scriptedMedia) ExtractFrame(_ context.Context, _ string, at float64, out string, _ int) error {
	return os.WriteFile(out, []byte(filepath.Base(out)), 0o644)
}

func (m *scriptedMedia) ExtractAudio(_ context.Context, _ string, out string, sampleRate int) error {
	return writeWAV(out, uint32(sampleRate), m.audioBytes)
}

func writeWAV(path string, sampleRate, dataSize uint32) error {
	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	buf = append(buf, make([]byte, dataSize)...)
	return os.WriteFile(path, buf, 0o644)
}

// fakeEmbedder returns fixed vectors for known texts and a hash-derived one
// for everything else.
type fakeEmbedder struct {
	dims    int
	vectors map[string][]float32
	// failOn makes EmbedImage fail for paths containing any of these
	failOn  []string
	onImage func(path string)
	textErr error
}

func (e *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if e.textErr != nil {
		return nil, e.textErr
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return hashVector(text, e.dims), nil
}

func (e *fakeEmbedder) EmbedImage(_ context.Context, path string) ([]float32, error) {
	if e.onImage != nil {
		e.onImage(path)
	}
	for _, f := range e.failOn {
		if strings.Contains(path, f) {
			return nil, errors.New("image model rejected input")
		}
	}
	return hashVector(filepath.Base(path), e.dims), nil
}

func (e *fakeEmbedder) Dimensions() int { return e.dims }

func (e *fakeEmbedder) Model() string { return "fake" }

func hashVector(s string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(s))
	seed := h.Sum64()
	vec := make([]float32, dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(seed>>40)/float32(1<<24) + 0.01
	}
	return vec
}

type fakeTranscriber struct {
	segments []transcribe.Segment
	err      error
	// started is closed on the first call; the call then waits for release
	// or for its context to end.
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ string) ([]transcribe.Segment, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]transcribe.Segment(nil), f.segments...), nil
}

const (
	testVisualDim = 4
	testSpeechDim = 3
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Vector: config.Vector{
			VisualCollection: "visual_embeddings",
			SpeechCollection: "speech_embeddings",
		},
		Media: config.Media{
			SceneThreshold: 0.3,
			ThumbnailWidth: 64,
			SampleRate:     16000,
			WorkDir:        t.TempDir(),
		},
		Pipeline: config.Pipeline{
			DownloadTimeout:   5 * time.Second,
			ProbeTimeout:      5 * time.Second,
			FramesTimeout:     5 * time.Second,
			AudioTimeout:      5 * time.Second,
			TranscribeTimeout: 5 * time.Second,
			EmbedTimeout:      5 * time.Second,
			IndexTimeout:      5 * time.Second,
			MetadataTimeout:   5 * time.Second,
			EmbedWorkers:      2,
			LeaseStaleAfter:   time.Hour,
		},
		Search: config.Search{
			VisualMidpoint:  0.18,
			VisualSteepness: 12,
			DedupWindow:     2,
			Overfetch:       4,
			DefaultLimit:    10,
			MaxLimit:        50,
			DefaultThresh:   0.1,
			MaxQueryLength:  500,
			QueryTimeout:    5 * time.Second,
		},
	}
}

type harness struct {
	cfg         *config.Config
	repo        *fakeRepo
	root        string
	store       storage.ObjectStore
	media       *scriptedMedia
	visual      *fakeEmbedder
	text        *fakeEmbedder
	transcriber *fakeTranscriber
	index       vectorindex.Index
	orch        Orchestrator
	videos      VideoService
	// dispatchErr makes the queued orchestrator's hand-over fail
	dispatchErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg:  testConfig(t),
		repo: newFakeRepo(),
		root: t.TempDir(),
		media: &scriptedMedia{
			info: media.VideoInfo{Duration: 10, Width: 640, Height: 360, FPS: 25, Size: 2048},
		},
		visual:      &fakeEmbedder{dims: testVisualDim},
		text:        &fakeEmbedder{dims: testSpeechDim},
		transcriber: &fakeTranscriber{},
		index:       vectorindex.NewMemory(),
	}
	h.store = storage.NewLocal(h.root)
	ctx := context.Background()
	if err := h.index.EnsureCollection(ctx, h.cfg.Vector.VisualCollection, testVisualDim); err != nil {
		t.Fatal(err)
	}
	if err := h.index.EnsureCollection(ctx, h.cfg.Vector.SpeechCollection, testSpeechDim); err != nil {
		t.Fatal(err)
	}
	h.rebuild(h.repo, nil)
	return h
}

func (h *harness) rebuild(repo repository.VideoRepository, dispatch Dispatch) {
	h.orch = NewOrchestrator(Dependencies{
		Repo:        repo,
		Store:       h.store,
		Media:       h.media,
		Transcriber: h.transcriber,
		Visual:      h.visual,
		Text:        h.text,
		Index:       h.index,
		Dispatch:    dispatch,
	}, h.cfg)
	h.videos = NewVideoService(repo, h.store, h.index, h.orch, h.cfg)
}

// queued switches the harness to queue mode; admitted videos are collected
// instead of run.
func (h *harness) queued() *[]dto.IngestMessage {
	var sent []dto.IngestMessage
	h.rebuild(h.repo, func(_ context.Context, msg dto.IngestMessage) error {
		if h.dispatchErr != nil {
			return h.dispatchErr
		}
		sent = append(sent, msg)
		return nil
	})
	return &sent
}

// addSource puts a source video into the object store and returns its key.
func (h *harness) addSource(t *testing.T, id uuid.UUID) string {
	t.Helper()
	key := "videos/" + id.String() + ".mp4"
	p := filepath.Join(h.root, "videos", id.String()+".mp4")
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return key
}

func (h *harness) points(t *testing.T, collection string, dims int, id uuid.UUID) int {
	t.Helper()
	query := make([]float32, dims)
	for i := range query {
		query[i] = 1
	}
	hits, err := h.index.Query(context.Background(), collection, query, 0, vectorindex.NoThreshold)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, hit := range hits {
		if hit.Payload.VideoID == id {
			n++
		}
	}
	return n
}
