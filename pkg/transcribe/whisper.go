package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

type whisperCLI struct {
	binary   string
	args     []string
	language string
}

// NewWhisperCLI runs a whisper.cpp style binary that accepts -f, -ovtt and -of.
func NewWhisperCLI(binary string, args []string, language string) Transcriber {
	return &whisperCLI{binary: binary, args: args, language: language}
}

func (w *whisperCLI) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	prefix := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	args := append([]string{}, w.args...)
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	args = append(args, "-f", audioPath, "-ovtt", "-of", prefix)

	cmd := exec.CommandContext(ctx, w.binary, args...)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zerolog.Ctx(ctx).Error().Str("output", output.String()).Msg("whisper failed")
		return nil, fmt.Errorf("whisper execution failed: %w", err)
	}

	content, err := os.ReadFile(prefix + ".vtt")
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	segments, err := ParseVTT(string(content))
	if err != nil {
		return nil, err
	}
	for i := range segments {
		segments[i].Language = w.language
	}
	return Normalize(segments), nil
}
