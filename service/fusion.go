package service

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"video-search/constant"
	"video-search/pkg/vectorindex"
)

// Scorer maps raw cosine similarities of each modality onto a shared [0,1]
// confidence scale. The mapping is fixed per process.
type Scorer struct {
	VisualMidpoint  float64
	VisualSteepness float64
}

func (s Scorer) Visual(raw float64) float64 {
	return clamp01(1 / (1 + math.Exp(-(raw-s.VisualMidpoint)*s.VisualSteepness)))
}

// VisualThreshold converts a threshold on the rescaled scale to raw cosine.
func (s Scorer) VisualThreshold(threshold float64) float64 {
	if threshold <= 0 {
		return vectorindex.NoThreshold
	}
	if threshold >= 1 {
		return 1
	}
	raw := s.VisualMidpoint + math.Log(threshold/(1-threshold))/s.VisualSteepness
	return math.Max(raw, vectorindex.NoThreshold)
}

func (s Scorer) Speech(raw float64) float64 {
	return clamp01(raw)
}

func (s Scorer) SpeechThreshold(threshold float64) float64 {
	if threshold <= 0 {
		return vectorindex.NoThreshold
	}
	return math.Min(threshold, 1)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

type candidate struct {
	ID         string
	VideoID    uuid.UUID
	Timestamp  float64
	EndTime    *float64
	Score      float64
	ResultType constant.ResultType
	Text       string
	FramePath  string
}

func candidatesFromHits(hits []vectorindex.Hit, resultType constant.ResultType, rescale func(float64) float64) []candidate {
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, candidate{
			ID:         h.ID,
			VideoID:    h.Payload.VideoID,
			Timestamp:  h.Payload.Timestamp,
			EndTime:    h.Payload.EndTime,
			Score:      rescale(h.Score),
			ResultType: resultType,
			Text:       h.Payload.Text,
			FramePath:  h.Payload.FramePath,
		})
	}
	return out
}

// sortCandidates orders by rescaled score, breaking ties on identity so the
// same inputs always fuse into the same list.
func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VideoID != b.VideoID {
			return a.VideoID.String() < b.VideoID.String()
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.ResultType != b.ResultType {
			return a.ResultType < b.ResultType
		}
		return a.ID < b.ID
	})
}

type dedupeKey struct {
	video      uuid.UUID
	resultType constant.ResultType
}

// dedupe keeps the best hit among same-video same-type hits whose timestamps
// are closer than window. Input must already be sorted best first.
func dedupe(sorted []candidate, window float64) []candidate {
	if window <= 0 {
		return sorted
	}
	kept := make(map[dedupeKey][]float64)
	out := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		key := dedupeKey{video: c.VideoID, resultType: c.ResultType}
		duplicate := false
		for _, ts := range kept[key] {
			if math.Abs(ts-c.Timestamp) < window {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept[key] = append(kept[key], c.Timestamp)
		out = append(out, c)
	}
	return out
}

// fuse merges per-modality candidates into one deduplicated ranking.
func fuse(window float64, lists ...[]candidate) []candidate {
	var all []candidate
	for _, l := range lists {
		all = append(all, l...)
	}
	sortCandidates(all)
	return dedupe(all, window)
}
