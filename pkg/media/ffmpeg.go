package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var ErrNoVideoStream = errors.New("no video stream")

// Tool is the set of media operations the ingest pipeline depends on.
type Tool interface {
	Probe(ctx context.Context, path string) (*VideoInfo, error)
	DetectScenes(ctx context.Context, path string, threshold float64) ([]float64, error)
	ExtractFrame(ctx context.Context, path string, at float64, out string, width int) error
	ExtractAudio(ctx context.Context, path, out string, sampleRate int) error
}

type ffmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &ffmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

func (f *ffmpeg) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	out, err := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(out)
}

// DetectScenes returns the timestamps (seconds) at which the scene-change
// score exceeds threshold. An empty result means no cut was found.
func (f *ffmpeg) DetectScenes(ctx context.Context, path string, threshold float64) ([]float64, error) {
	filter := fmt.Sprintf("select='gt(scene,%s)',showinfo", strconv.FormatFloat(threshold, 'f', -1, 64))
	output, err := f.run(ctx, "-hide_banner", "-nostats", "-i", path, "-filter:v", filter, "-an", "-f", "null", "-")
	if err != nil {
		return nil, err
	}
	return parseSceneTimes(output), nil
}

func (f *ffmpeg) ExtractFrame(ctx context.Context, path string, at float64, out string, width int) error {
	args := []string{"-ss", strconv.FormatFloat(at, 'f', 3, 64), "-i", path, "-frames:v", "1"}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	args = append(args, "-q:v", "2", "-y", out)
	_, err := f.run(ctx, args...)
	return err
}

// ExtractAudio writes a mono 16-bit PCM wav at sampleRate.
func (f *ffmpeg) ExtractAudio(ctx context.Context, path, out string, sampleRate int) error {
	_, err := f.run(ctx,
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-y", out,
	)
	return err
}

func (f *ffmpeg) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	zerolog.Ctx(ctx).Debug().Str("cmd", f.ffmpegPath+" "+strings.Join(args, " ")).Msg("executing ffmpeg")

	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(output.String(), 512))
	}
	return output.String(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
