package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type visualClient struct {
	baseURL string
	dims    int
	http    *http.Client
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// NewVisualClient talks to an image/text embedding server (SigLIP style) that
// exposes POST /embed/image (multipart "file") and POST /embed/text
// ({"text": ...}), both answering {"embedding": [...]}.
func NewVisualClient(baseURL string, dims int, timeout time.Duration) ImageEmbedder {
	return &visualClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		dims:    dims,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *visualClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	file, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return c.post(ctx, "/embed/image", writer.FormDataContentType(), &body)
}

func (c *visualClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	return c.post(ctx, "/embed/text", "application/json", bytes.NewReader(payload))
}

func (c *visualClient) post(ctx context.Context, path, contentType string, body io.Reader) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("visual embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("visual embedding server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode visual embedding: %w", err)
	}
	if err := checkDimensions(c.Model(), c.dims, out.Embedding); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (c *visualClient) Dimensions() int {
	return c.dims
}

func (c *visualClient) Model() string {
	return "visual@" + c.baseURL
}
