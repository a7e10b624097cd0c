package service

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"video-search/constant"
	"video-search/dto"
	"video-search/entities"
	"video-search/pkg/vectorindex"
)

const searchDim = 2

// unitAt returns a 2-d vector whose cosine with (1, 0) is cos.
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

type searchFixture struct {
	engine SearchEngine
	repo   *fakeRepo
	index  vectorindex.Index
	cfg    searchFixtureConfig
}

type searchFixtureConfig struct {
	visual, speech string
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	cfg := testConfig(t)
	index := vectorindex.NewMemory()
	ctx := context.Background()
	if err := index.EnsureCollection(ctx, cfg.Vector.VisualCollection, searchDim); err != nil {
		t.Fatal(err)
	}
	if err := index.EnsureCollection(ctx, cfg.Vector.SpeechCollection, searchDim); err != nil {
		t.Fatal(err)
	}
	query := map[string][]float32{"red car": {1, 0}}
	repo := newFakeRepo()
	return &searchFixture{
		engine: NewSearchEngine(repo, index,
			&fakeEmbedder{dims: searchDim, vectors: query},
			&fakeEmbedder{dims: searchDim, vectors: query},
			cfg),
		repo:  repo,
		index: index,
		cfg:   searchFixtureConfig{visual: cfg.Vector.VisualCollection, speech: cfg.Vector.SpeechCollection},
	}
}

func (f *searchFixture) video(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.repo.put(&entities.Video{ID: id, Filename: name, OriginalPath: "videos/" + name, Status: constant.VideoStatusCompleted})
	return id
}

func (f *searchFixture) visualHit(t *testing.T, video uuid.UUID, index int, ts, cos float64) {
	t.Helper()
	err := f.index.Upsert(context.Background(), f.cfg.visual, []vectorindex.Point{{
		ID:     vectorindex.PointID(video, "visual", index),
		Vector: unitAt(cos),
		Payload: vectorindex.Payload{
			VideoID: video, Timestamp: ts, FramePath: "keyframes/" + video.String() + "/frame.jpg", SegmentIndex: index,
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *searchFixture) speechHit(t *testing.T, video uuid.UUID, index int, start, end, cos float64, text string) {
	t.Helper()
	err := f.index.Upsert(context.Background(), f.cfg.speech, []vectorindex.Point{{
		ID:     vectorindex.PointID(video, "speech", index),
		Vector: unitAt(cos),
		Payload: vectorindex.Payload{
			VideoID: video, Timestamp: start, EndTime: &end, SegmentIndex: index, Text: text,
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func threshold(v float64) *float64 { return &v }

func TestHybridRanksByRescaledScore(t *testing.T) {
	scorer := Scorer{VisualMidpoint: 0.18, VisualSteepness: 12}
	tests := []struct {
		name      string
		visualRaw float64
		speechRaw float64
		wantFirst constant.ResultType
	}{
		{name: "red car", visualRaw: 0.8, speechRaw: 0.4, wantFirst: constant.ResultTypeVisual},
		{name: "raw visual below raw speech", visualRaw: 0.3, speechRaw: 0.4, wantFirst: constant.ResultTypeVisual},
		{name: "weak visual", visualRaw: 0.1, speechRaw: 0.4, wantFirst: constant.ResultTypeSpeech},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSearchFixture(t)
			a := f.video(t, "street.mp4")
			b := f.video(t, "podcast.mp4")
			f.visualHit(t, a, 0, 12, tt.visualRaw)
			f.speechHit(t, b, 0, 30, 33, tt.speechRaw, "a red car drove past")

			resp, err := f.engine.Search(context.Background(), dto.SearchRequest{
				Query: "red car", Mode: "hybrid", Limit: 10, Threshold: threshold(0),
			})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(resp.Results) != 2 {
				t.Fatalf("results = %+v", resp.Results)
			}
			if resp.Results[0].ResultType != tt.wantFirst.String() {
				t.Errorf("first result = %s, want %s", resp.Results[0].ResultType, tt.wantFirst)
			}
			for _, r := range resp.Results {
				var want float64
				switch r.ResultType {
				case constant.ResultTypeVisual.String():
					want = scorer.Visual(tt.visualRaw)
					if r.VideoId != a || r.Filename != "street.mp4" || r.FramePath == nil {
						t.Errorf("visual result = %+v", r)
					}
				case constant.ResultTypeSpeech.String():
					want = scorer.Speech(tt.speechRaw)
					if r.VideoId != b || r.Text == nil || *r.Text != "a red car drove past" || r.EndTimestamp == nil {
						t.Errorf("speech result = %+v", r)
					}
				}
				if math.Abs(r.Score-want) > 1e-4 {
					t.Errorf("%s score = %f, want %f", r.ResultType, r.Score, want)
				}
				if r.Score < 0 || r.Score > 1 {
					t.Errorf("score %f outside [0,1]", r.Score)
				}
			}
		})
	}
}

func TestSearchIsDeterministic(t *testing.T) {
	f := newSearchFixture(t)
	a := f.video(t, "a.mp4")
	b := f.video(t, "b.mp4")
	for i := 0; i < 6; i++ {
		f.visualHit(t, a, i, float64(i*10), 0.5)
		f.speechHit(t, b, i, float64(i*10), float64(i*10+3), 0.5, "same score")
	}

	req := dto.SearchRequest{Query: "red car", Mode: "hybrid", Limit: 8}
	first, err := f.engine.Search(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := f.engine.Search(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first.Results, again.Results) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first.Results, again.Results)
		}
	}
	for i := 1; i < len(first.Results); i++ {
		if first.Results[i].Score > first.Results[i-1].Score {
			t.Fatalf("results not ordered by score: %+v", first.Results)
		}
	}
}

func TestSearchDedupe(t *testing.T) {
	f := newSearchFixture(t)
	a := f.video(t, "a.mp4")
	f.visualHit(t, a, 0, 10.0, 0.9)
	f.visualHit(t, a, 1, 11.5, 0.7)
	f.visualHit(t, a, 2, 20.0, 0.6)
	f.speechHit(t, a, 0, 10.5, 12, 0.5, "hello")

	resp, err := f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "hybrid", Threshold: threshold(0)})
	if err != nil {
		t.Fatal(err)
	}
	var visual, speech []float64
	for _, r := range resp.Results {
		if r.ResultType == "visual" {
			visual = append(visual, r.Timestamp)
		} else {
			speech = append(speech, r.Timestamp)
		}
	}
	if !reflect.DeepEqual(visual, []float64{10, 20}) {
		t.Errorf("visual timestamps = %v, want the 11.5 hit collapsed into 10", visual)
	}
	if !reflect.DeepEqual(speech, []float64{10.5}) {
		t.Errorf("speech timestamps = %v, want the cross-modal hit kept", speech)
	}
}

func TestSearchDropsHitsOfMissingVideos(t *testing.T) {
	f := newSearchFixture(t)
	kept := f.video(t, "kept.mp4")
	f.visualHit(t, kept, 0, 1, 0.5)
	f.visualHit(t, uuid.New(), 0, 1, 0.9)

	resp, err := f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "visual"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].VideoId != kept {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchTruncatesAfterFusion(t *testing.T) {
	f := newSearchFixture(t)
	for i := 0; i < 5; i++ {
		f.visualHit(t, f.video(t, "v.mp4"), 0, 0, 0.3+float64(i)*0.1)
	}
	speechVideo := f.video(t, "s.mp4")
	f.speechHit(t, speechVideo, 0, 0, 1, 0.99, "exact")

	resp, err := f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "hybrid", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 || resp.Total != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].ResultType != "visual" || resp.Results[1].ResultType != "visual" {
		t.Errorf("want the two strongest visual hits, got %+v", resp.Results)
	}
}

func TestHybridWithOneEmptyModality(t *testing.T) {
	f := newSearchFixture(t)
	a := f.video(t, "silent.mp4")
	f.visualHit(t, a, 0, 3, 0.6)

	resp, err := f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "hybrid"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ResultType != "visual" {
		t.Errorf("results = %+v", resp.Results)
	}

	resp, err = f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "speech"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 || resp.Results == nil {
		t.Errorf("speech results = %#v, want an empty list", resp.Results)
	}
}

func TestSearchRejectsInvalidInput(t *testing.T) {
	f := newSearchFixture(t)
	tests := []struct {
		name string
		req  dto.SearchRequest
		want error
	}{
		{name: "empty", req: dto.SearchRequest{Query: ""}, want: ErrInvalidQuery},
		{name: "whitespace", req: dto.SearchRequest{Query: "  \t "}, want: ErrInvalidQuery},
		{name: "too long", req: dto.SearchRequest{Query: strings.Repeat("a", 501)}, want: ErrInvalidQuery},
		{name: "unknown mode", req: dto.SearchRequest{Query: "red car", Mode: "audio"}, want: ErrUnknownMode},
		{name: "threshold above one", req: dto.SearchRequest{Query: "red car", Threshold: threshold(1.5)}, want: ErrInvalidQuery},
		{name: "negative threshold", req: dto.SearchRequest{Query: "red car", Threshold: threshold(-0.1)}, want: ErrInvalidQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.engine.Search(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Search() error = %v, want %v", err, tt.want)
			}
			if resp != nil {
				t.Errorf("got a response with an error: %+v", resp)
			}
		})
	}
}

func TestSearchDimensionMismatchIsAnError(t *testing.T) {
	f := newSearchFixture(t)
	a := f.video(t, "a.mp4")
	f.visualHit(t, a, 0, 1, 0.9)

	cfg := testConfig(t)
	engine := NewSearchEngine(f.repo, f.index,
		&fakeEmbedder{dims: searchDim, vectors: map[string][]float32{"red car": {1, 0}}},
		&fakeEmbedder{dims: 3},
		cfg)

	resp, err := engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Mode: "hybrid"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Search() error = %v, want ErrDimensionMismatch", err)
	}
	if resp != nil {
		t.Errorf("partial result returned: %+v", resp)
	}
}

func TestSearchDefaultsModeAndLimit(t *testing.T) {
	f := newSearchFixture(t)
	a := f.video(t, "a.mp4")
	for i := 0; i < 60; i++ {
		f.visualHit(t, a, i, float64(i*5), 0.9)
	}
	resp, err := f.engine.Search(context.Background(), dto.SearchRequest{Query: "red car", Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != "hybrid" {
		t.Errorf("mode = %s, want hybrid", resp.Mode)
	}
	if len(resp.Results) != 50 {
		t.Errorf("got %d results, want the max limit of 50", len(resp.Results))
	}
}
