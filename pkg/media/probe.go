package media

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type VideoInfo struct {
	Duration float64
	Width    int
	Height   int
	FPS      float64
	Size     int64
	HasAudio bool
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if s, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
		info.Size = s
	}

	hasVideo := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.FPS = parseFrameRate(stream.RFrameRate)
		case "audio":
			info.HasAudio = true
		}
	}
	if !hasVideo {
		return nil, ErrNoVideoStream
	}
	return info, nil
}

// parseFrameRate understands ffprobe's "num/den" notation and plain numbers.
func parseFrameRate(rate string) float64 {
	parts := strings.Split(rate, "/")
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}

var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

// parseSceneTimes extracts showinfo pts_time values, sorted and deduplicated.
func parseSceneTimes(output string) []float64 {
	var times []float64
	for _, m := range ptsTimeRe.FindAllStringSubmatch(output, -1) {
		t, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	sort.Float64s(times)

	var deduped []float64
	for _, t := range times {
		if n := len(deduped); n > 0 && deduped[n-1] == t {
			continue
		}
		deduped = append(deduped, t)
	}
	return deduped
}
