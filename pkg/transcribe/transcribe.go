package transcribe

import (
	"context"
	"sort"
	"strings"
)

type Segment struct {
	Text       string
	Start      float64
	End        float64
	Confidence *float64
	Language   string
}

// Transcriber turns a mono PCM wav file into timestamped text segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]Segment, error)
}

// Normalize trims text, drops blank segments, orders them by start time and
// clips overlaps so that every segment ends strictly after it starts and no
// two segments overlap.
func Normalize(segments []Segment) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		s.Text = strings.Join(strings.Fields(s.Text), " ")
		if s.Text == "" || s.End <= s.Start {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})

	clipped := out[:0]
	for _, s := range out {
		if n := len(clipped); n > 0 && s.Start < clipped[n-1].End {
			s.Start = clipped[n-1].End
			if s.End <= s.Start {
				continue
			}
		}
		clipped = append(clipped, s)
	}
	return clipped
}
