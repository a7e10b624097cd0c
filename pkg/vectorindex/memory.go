package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memCollection struct {
	dim    int
	points map[string]Point
}

type memoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemory returns an in-process brute-force index.
func NewMemory() Index {
	return &memoryIndex{collections: map[string]*memCollection{}}
}

func (m *memoryIndex) EnsureCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("%w: collection %s has %d, want %d", ErrDimensionMismatch, name, c.dim, dim)
		}
		return nil
	}
	m.collections[name] = &memCollection{dim: dim, points: map[string]Point{}}
	return nil
}

func (m *memoryIndex) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

func (m *memoryIndex) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := checkDim(collection, c.dim, p.Vector); err != nil {
			return err
		}
	}
	for _, p := range points {
		p.Vector = append([]float32(nil), p.Vector...)
		c.points[p.ID] = p
	}
	return nil
}

func (m *memoryIndex) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float64) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if err := checkDim(collection, c.dim, vector); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0)
	for _, p := range c.points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := cosine(vector, p.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *memoryIndex) DeleteByVideo(_ context.Context, collection string, videoID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for id, p := range c.points {
		if p.Payload.VideoID == videoID {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *memoryIndex) Close() error {
	return nil
}
