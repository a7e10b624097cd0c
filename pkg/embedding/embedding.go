package embedding

import (
	"context"
	"errors"
	"fmt"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// TextEmbedder maps text to a fixed-length vector.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// Dimensions is fixed for the lifetime of the embedder.
	Dimensions() int
	Model() string
}

// ImageEmbedder maps images into a vector space it can also project text into,
// which is what makes text-to-image retrieval work.
type ImageEmbedder interface {
	TextEmbedder
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
}

func checkDimensions(model string, want int, vec []float32) error {
	if len(vec) != want {
		return fmt.Errorf("%w: model %s returned %d values, want %d", ErrDimensionMismatch, model, len(vec), want)
	}
	return nil
}
