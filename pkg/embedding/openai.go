package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type openAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAI returns a text embedder backed by an OpenAI compatible
// /embeddings endpoint. dims is sent as the requested output size and checked
// on every response.
func NewOpenAI(apiKey, baseURL, model string, dims int) TextEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   dims,
	}
}

func (e *openAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      []string{text},
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding creation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embedding response is empty")
	}
	vec := resp.Data[0].Embedding
	if err := checkDimensions(e.model, e.dims, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *openAIEmbedder) Dimensions() int {
	return e.dims
}

func (e *openAIEmbedder) Model() string {
	return e.model
}
