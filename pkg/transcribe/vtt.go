package transcribe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidVTT = errors.New("invalid VTT format")

// ParseVTT parses WebVTT cues into segments. Cue identifiers and NOTE blocks
// are skipped.
func ParseVTT(content string) ([]Segment, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, "WEBVTT") {
		return nil, fmt.Errorf("%w: missing WEBVTT header", ErrInvalidVTT)
	}

	var segments []Segment
	for _, block := range strings.Split(content, "\n\n") {
		lines := strings.Split(strings.Trim(block, "\n"), "\n")
		cue := -1
		for i, line := range lines {
			if strings.Contains(line, "-->") {
				cue = i
				break
			}
		}
		if cue < 0 || strings.HasPrefix(lines[0], "NOTE") {
			continue
		}

		timing := strings.Fields(strings.Replace(lines[cue], "-->", " --> ", 1))
		if len(timing) < 3 || timing[1] != "-->" {
			return nil, fmt.Errorf("%w: bad cue timing %q", ErrInvalidVTT, lines[cue])
		}
		start, err := parseVTTTimestamp(timing[0])
		if err != nil {
			return nil, fmt.Errorf("invalid start timestamp: %w", err)
		}
		end, err := parseVTTTimestamp(timing[2])
		if err != nil {
			return nil, fmt.Errorf("invalid end timestamp: %w", err)
		}

		segments = append(segments, Segment{
			Text:  strings.Join(lines[cue+1:], " "),
			Start: start,
			End:   end,
		})
	}
	return segments, nil
}

// parseVTTTimestamp accepts HH:MM:SS.mmm and MM:SS.mmm and returns seconds.
func parseVTTTimestamp(timestamp string) (float64, error) {
	parts := strings.Split(timestamp, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp format %q", timestamp)
	}

	secondParts := strings.Split(parts[len(parts)-1], ".")
	if len(secondParts) != 2 || len(secondParts[1]) != 3 {
		return 0, fmt.Errorf("invalid timestamp format %q: expected milliseconds", timestamp)
	}

	var hours, minutes, seconds, millis int
	var err error
	if len(parts) == 3 {
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid hours: %w", err)
		}
	}
	if minutes, err = strconv.Atoi(parts[len(parts)-2]); err != nil || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", timestamp)
	}
	if seconds, err = strconv.Atoi(secondParts[0]); err != nil || seconds > 59 {
		return 0, fmt.Errorf("invalid seconds in %q", timestamp)
	}
	if millis, err = strconv.Atoi(secondParts[1]); err != nil {
		return 0, fmt.Errorf("invalid milliseconds: %w", err)
	}

	return float64(hours*3600+minutes*60+seconds) + float64(millis)/1000, nil
}
