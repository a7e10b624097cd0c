package service

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"video-search/constant"
	"video-search/pkg/vectorindex"
)

func TestScorer(t *testing.T) {
	s := Scorer{VisualMidpoint: 0.18, VisualSteepness: 12}

	if got := s.Visual(0.18); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Visual(midpoint) = %f, want 0.5", got)
	}
	prev := -1.0
	for raw := -1.0; raw <= 1.0; raw += 0.05 {
		got := s.Visual(raw)
		if got < prev || got < 0 || got > 1 {
			t.Fatalf("Visual(%f) = %f not monotonic within [0,1]", raw, got)
		}
		prev = got
	}

	for _, th := range []float64{0.1, 0.5, 0.8, 0.95} {
		raw := s.VisualThreshold(th)
		if got := s.Visual(raw); math.Abs(got-th) > 1e-9 {
			t.Errorf("Visual(VisualThreshold(%f)) = %f", th, got)
		}
	}
	if got := s.VisualThreshold(0); got != vectorindex.NoThreshold {
		t.Errorf("VisualThreshold(0) = %f, want no threshold", got)
	}

	tests := []struct {
		raw, want float64
	}{
		{raw: -0.2, want: 0},
		{raw: 0.4, want: 0.4},
		{raw: 1.2, want: 1},
	}
	for _, tt := range tests {
		if got := s.Speech(tt.raw); got != tt.want {
			t.Errorf("Speech(%f) = %f, want %f", tt.raw, got, tt.want)
		}
	}
	if got := s.SpeechThreshold(0.3); got != 0.3 {
		t.Errorf("SpeechThreshold(0.3) = %f", got)
	}
}

func TestFuseDedupe(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	visual := constant.ResultTypeVisual
	speech := constant.ResultTypeSpeech

	tests := []struct {
		name   string
		window float64
		in     []candidate
		want   int
	}{
		{
			name:   "same video same type within window collapses",
			window: 2,
			in: []candidate{
				{ID: "1", VideoID: a, Timestamp: 5, Score: 0.9, ResultType: visual},
				{ID: "2", VideoID: a, Timestamp: 6.5, Score: 0.8, ResultType: visual},
			},
			want: 1,
		},
		{
			name:   "cross modal at same moment is kept",
			window: 2,
			in: []candidate{
				{ID: "1", VideoID: a, Timestamp: 5, Score: 0.9, ResultType: visual},
				{ID: "2", VideoID: a, Timestamp: 5, Score: 0.8, ResultType: speech},
			},
			want: 2,
		},
		{
			name:   "different videos are kept",
			window: 2,
			in: []candidate{
				{ID: "1", VideoID: a, Timestamp: 5, Score: 0.9, ResultType: visual},
				{ID: "2", VideoID: b, Timestamp: 5, Score: 0.8, ResultType: visual},
			},
			want: 2,
		},
		{
			name:   "outside window is kept",
			window: 2,
			in: []candidate{
				{ID: "1", VideoID: a, Timestamp: 5, Score: 0.9, ResultType: visual},
				{ID: "2", VideoID: a, Timestamp: 7, Score: 0.8, ResultType: visual},
			},
			want: 2,
		},
		{
			name:   "zero window disables dedupe",
			window: 0,
			in: []candidate{
				{ID: "1", VideoID: a, Timestamp: 5, Score: 0.9, ResultType: visual},
				{ID: "2", VideoID: a, Timestamp: 5, Score: 0.8, ResultType: visual},
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fuse(tt.window, tt.in)
			if len(got) != tt.want {
				t.Fatalf("fuse() = %+v, want %d results", got, tt.want)
			}
			if got[0].ID != "1" {
				t.Errorf("best hit must survive, got %+v", got[0])
			}
		})
	}
}

func TestFuseKeepsHigherScoringDuplicate(t *testing.T) {
	a := uuid.New()
	got := fuse(2,
		[]candidate{{ID: "low", VideoID: a, Timestamp: 5, Score: 0.3, ResultType: constant.ResultTypeVisual}},
		[]candidate{{ID: "high", VideoID: a, Timestamp: 4, Score: 0.7, ResultType: constant.ResultTypeVisual}},
	)
	if len(got) != 1 || got[0].ID != "high" {
		t.Errorf("fuse() = %+v", got)
	}
}
