package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"video-search/constant"
	"video-search/entities"
	"video-search/pkg/vectorindex"
)

func TestGetStatusProgress(t *testing.T) {
	tests := []struct {
		status      constant.VideoStatus
		progress    int
		wantIndex   int
		wantPercent int
	}{
		{status: constant.VideoStatusPending, progress: 0, wantIndex: 1, wantPercent: 0},
		{status: constant.VideoStatusExtractingFrames, progress: 40, wantIndex: 3, wantPercent: 40},
		{status: constant.VideoStatusEmbedding, progress: 130, wantIndex: 6, wantPercent: 100},
		{status: constant.VideoStatusCompleted, progress: 0, wantIndex: 7, wantPercent: 100},
		{status: constant.VideoStatusFailed, progress: 60, wantIndex: 0, wantPercent: 0},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			h := newHarness(t)
			id := uuid.New()
			h.repo.put(&entities.Video{ID: id, Filename: "a.mp4", OriginalPath: "videos/a.mp4", Status: tt.status, Progress: tt.progress})

			resp, err := h.videos.GetStatus(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.status.String() || resp.Progress.Stage != tt.status.String() {
				t.Errorf("status = %s, stage = %s", resp.Status, resp.Progress.Stage)
			}
			if resp.Progress.StageIndex != tt.wantIndex || resp.Progress.StageCount != len(constant.Pipeline) {
				t.Errorf("stage %d/%d, want %d/%d", resp.Progress.StageIndex, resp.Progress.StageCount, tt.wantIndex, len(constant.Pipeline))
			}
			if resp.Progress.Percent != tt.wantPercent {
				t.Errorf("percent = %d, want %d", resp.Progress.Percent, tt.wantPercent)
			}
		})
	}
}

func TestGetStatusUnknownVideo(t *testing.T) {
	h := newHarness(t)
	if _, err := h.videos.GetStatus(context.Background(), uuid.New()); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("GetStatus() error = %v", err)
	}
	if _, err := h.videos.GetTranscript(context.Background(), uuid.New()); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("GetTranscript() error = %v", err)
	}
	if err := h.videos.Delete(context.Background(), uuid.New()); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("Delete() error = %v", err)
	}
}

func TestGetTranscript(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	h.repo.put(&entities.Video{ID: id, Filename: "a.mp4", OriginalPath: "videos/a.mp4", Status: constant.VideoStatusCompleted})
	err := h.repo.SaveTranscriptSegments(context.Background(), id, []entities.TranscriptSegment{
		{Index: 0, Text: "good morning", StartTime: 0, EndTime: 1.5},
		{Index: 1, Text: "everyone", StartTime: 1.5, EndTime: 2.2},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := h.videos.GetTranscript(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Segments) != 2 || resp.Segments[1].StartTime != 1.5 {
		t.Errorf("segments = %+v", resp.Segments)
	}
	if resp.FullText != "good morning everyone" {
		t.Errorf("full text = %q", resp.FullText)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		v := &entities.Video{ID: uuid.New(), Filename: "v.mp4", OriginalPath: "videos/v.mp4", Status: constant.VideoStatusPending, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		h.repo.put(v)
	}

	resp, err := h.videos.List(context.Background(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 5 || resp.Page != 2 || resp.PageSize != 2 || len(resp.Videos) != 2 {
		t.Errorf("list = %+v", resp)
	}

	resp, err = h.videos.List(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Page != 1 || resp.PageSize != maxPageSize || len(resp.Videos) != 5 {
		t.Errorf("list = page %d size %d videos %d", resp.Page, resp.PageSize, len(resp.Videos))
	}
	for i := 1; i < len(resp.Videos); i++ {
		if resp.Videos[i].CreatedAt.After(resp.Videos[i-1].CreatedAt) {
			t.Fatal("videos not listed newest first")
		}
	}
}

// brokenDeleteIndex fails every bulk delete.
type brokenDeleteIndex struct {
	vectorindex.Index
}

func (brokenDeleteIndex) DeleteByVideo(context.Context, string, uuid.UUID) error {
	return errors.New("milvus unavailable")
}

func TestDeleteSurfacesVectorFailure(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	h.repo.put(&entities.Video{ID: id, Filename: "a.mp4", OriginalPath: "videos/a.mp4", Status: constant.VideoStatusCompleted})
	videos := NewVideoService(h.repo, h.store, brokenDeleteIndex{h.index}, h.orch, h.cfg)

	err := videos.Delete(context.Background(), id)
	if !errors.Is(err, ErrInconsistentDelete) {
		t.Fatalf("Delete() error = %v, want ErrInconsistentDelete", err)
	}
	if _, err := h.repo.FindVideoById(context.Background(), id); err != nil {
		t.Error("metadata must stay so the delete can be retried")
	}
}

func TestDeleteCompletedVideo(t *testing.T) {
	h := newHarness(t)
	h.media.cuts = []float64{4}
	id := uuid.New()
	key := h.addSource(t, id)
	ctx := context.Background()
	if err := h.orch.Run(ctx, message(id, key)); err != nil {
		t.Fatal(err)
	}
	if n := h.points(t, h.cfg.Vector.VisualCollection, testVisualDim, id); n != 2 {
		t.Fatalf("visual vectors = %d before delete", n)
	}

	if err := h.videos.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n := h.points(t, h.cfg.Vector.VisualCollection, testVisualDim, id); n != 0 {
		t.Errorf("visual vectors = %d after delete", n)
	}
	if _, err := h.videos.GetStatus(ctx, id); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("GetStatus() after delete: %v", err)
	}
}

// stallingIndex never answers a delete.
type stallingIndex struct {
	vectorindex.Index
}

func (stallingIndex) DeleteByVideo(ctx context.Context, _ string, _ uuid.UUID) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDeleteGivesUpOnStalledIndex(t *testing.T) {
	h := newHarness(t)
	h.cfg.Pipeline.IndexTimeout = 50 * time.Millisecond
	id := uuid.New()
	h.repo.put(&entities.Video{ID: id, Filename: "a.mp4", OriginalPath: "videos/a.mp4", Status: constant.VideoStatusCompleted})
	videos := NewVideoService(h.repo, h.store, stallingIndex{h.index}, h.orch, h.cfg)

	start := time.Now()
	err := videos.Delete(context.Background(), id)
	if !errors.Is(err, ErrInconsistentDelete) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Delete() error = %v, want ErrInconsistentDelete after the index deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Delete() took %s", elapsed)
	}
	if _, err := h.repo.FindVideoById(context.Background(), id); err != nil {
		t.Error("metadata must stay so the delete can be retried")
	}
}
