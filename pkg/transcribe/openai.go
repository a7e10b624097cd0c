package transcribe

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type openAITranscriber struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAI uses the audio transcription endpoint in verbose JSON mode, which
// is the only format that returns per-segment timestamps.
func NewOpenAI(apiKey, baseURL, model, language string) Transcriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &openAITranscriber{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: language,
	}
}

func (t *openAITranscriber) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioPath,
		Language: t.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription failed: %w", err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		confidence := s.AvgLogprob
		segments = append(segments, Segment{
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Confidence: &confidence,
			Language:   resp.Language,
		})
	}
	return Normalize(segments), nil
}
