package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

var ErrNoKeyframes = errors.New("no keyframe could be extracted")

// minCutGap drops cuts closer than this to the previous scene start.
const minCutGap = 0.04

type Keyframe struct {
	Index     int
	Timestamp float64
	Path      string
}

// KeyframeTimes turns scene cuts into one timestamp per scene, starting at 0.
// Without any cut it falls back to first, middle and last frame.
func KeyframeTimes(cuts []float64, duration float64) []float64 {
	sorted := append([]float64(nil), cuts...)
	sort.Float64s(sorted)

	times := []float64{0}
	for _, c := range sorted {
		if c <= 0 || (duration > 0 && c >= duration) {
			continue
		}
		if c-times[len(times)-1] < minCutGap {
			continue
		}
		times = append(times, c)
	}
	if len(times) > 1 {
		return times
	}
	return fallbackTimes(duration)
}

func fallbackTimes(duration float64) []float64 {
	if duration <= 0 {
		return []float64{0}
	}
	candidates := []float64{0, duration / 2, math.Max(duration-0.1, 0)}
	times := make([]float64, 0, len(candidates))
	for _, t := range candidates {
		if len(times) > 0 && t-times[len(times)-1] < minCutGap {
			continue
		}
		times = append(times, t)
	}
	return times
}

// ThumbnailTime picks a representative moment: 10% in, clamped to [0.5s, 30s]
// and never past the end of the video.
func ThumbnailTime(duration float64) float64 {
	t := math.Min(math.Max(duration*0.1, 0.5), 30)
	if duration > 0 && t >= duration {
		t = duration / 2
	}
	return t
}

// ExtractKeyframes grabs one image per timestamp into outDir. Individual
// failures are skipped; it errors only when no frame was produced.
func ExtractKeyframes(ctx context.Context, tool Tool, src, outDir string, times []float64, progress func(done, total int)) ([]Keyframe, error) {
	keyframes := make([]Keyframe, 0, len(times))
	var lastErr error
	for i, ts := range times {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(outDir, fmt.Sprintf("frame_%04d_%.2f.jpg", i, ts))
		if err := tool.ExtractFrame(ctx, src, ts, out, 0); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Float64("timestamp", ts).Msg("frame extraction failed")
			lastErr = err
		} else {
			keyframes = append(keyframes, Keyframe{Index: len(keyframes), Timestamp: ts, Path: out})
		}
		if progress != nil {
			progress(i+1, len(times))
		}
	}
	if len(keyframes) == 0 {
		if lastErr != nil {
			return nil, errors.Join(ErrNoKeyframes, lastErr)
		}
		return nil, ErrNoKeyframes
	}
	return keyframes, nil
}
