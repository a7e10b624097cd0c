package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnknownCollection = errors.New("unknown collection")
)

// NoThreshold disables score filtering; cosine similarity never drops below -1.
const NoThreshold = -1.0

type Payload struct {
	VideoID      uuid.UUID
	Timestamp    float64
	EndTime      *float64
	FramePath    string
	SegmentIndex int
	Text         string
}

type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

type Hit struct {
	ID      string
	Score   float64
	Payload Payload
}

// Index is a set of named cosine-similarity collections.
type Index interface {
	// EnsureCollection creates the collection if missing and fails with
	// ErrDimensionMismatch when it exists with another dimensionality.
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Query returns hits with score >= threshold, best first, at most topK.
	Query(ctx context.Context, collection string, vector []float32, topK int, threshold float64) ([]Hit, error)
	// DeleteByVideo removes every point of the video in one operation.
	DeleteByVideo(ctx context.Context, collection string, videoID uuid.UUID) error
	Close() error
}

var pointNamespace = uuid.NameSpaceDNS

// PointID is stable for a (video, modality, index) triple so that re-running
// the embedding stage overwrites points instead of duplicating them.
func PointID(videoID uuid.UUID, modality string, index int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s_%s_%d", videoID, modality, index))).String()
}

// sortHits orders by score descending, then id, so equal scores keep a
// stable order for a fixed index state.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func checkDim(collection string, want int, vec []float32) error {
	if len(vec) != want {
		return fmt.Errorf("%w: collection %s expects %d, got %d", ErrDimensionMismatch, collection, want, len(vec))
	}
	return nil
}
