package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type pgVectorIndex struct {
	pool *pgxpool.Pool
	mu   sync.RWMutex
	dims map[string]int
}

func NewPgVector(ctx context.Context, dsn string) (Index, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgvector: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}
	return &pgVectorIndex{pool: pool, dims: map[string]int{}}, nil
}

func table(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (s *pgVectorIndex) EnsureCollection(ctx context.Context, name string, dim int) error {
	t := table(name)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			video_id UUID NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION,
			frame_path TEXT NOT NULL DEFAULT '',
			segment_index INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, t, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (video_id)`, table(name+"_video_idx"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, table(name+"_embedding_idx"), t),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure collection %s: %w", name, err)
		}
	}

	// vector(n) stores n as the column's type modifier
	var existing int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`, t,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("inspect collection %s: %w", name, err)
	}
	if existing != dim {
		return fmt.Errorf("%w: collection %s has %d, want %d", ErrDimensionMismatch, name, existing, dim)
	}

	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return nil
}

func (s *pgVectorIndex) dim(collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dims[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return d, nil
}

func (s *pgVectorIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	dim, err := s.dim(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := checkDim(collection, dim, p.Vector); err != nil {
			return err
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, video_id, ts, end_time, frame_path, segment_index, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			video_id = EXCLUDED.video_id,
			ts = EXCLUDED.ts,
			end_time = EXCLUDED.end_time,
			frame_path = EXCLUDED.frame_path,
			segment_index = EXCLUDED.segment_index,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding`, table(collection))

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(query, p.ID, p.Payload.VideoID.String(), p.Payload.Timestamp, p.Payload.EndTime,
			p.Payload.FramePath, p.Payload.SegmentIndex, p.Payload.Text, pgvector.NewVector(p.Vector))
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range points {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("pgvector upsert: %w", err)
			}
		}
		return results.Close()
	})
}

func (s *pgVectorIndex) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float64) ([]Hit, error) {
	dim, err := s.dim(collection)
	if err != nil {
		return nil, err
	}
	if err := checkDim(collection, dim, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, video_id::text, ts, end_time, frame_path, segment_index, text,
			1 - (embedding <=> $1) AS score
		FROM %s
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, id
		LIMIT $3`, table(collection)),
		pgvector.NewVector(vector), threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h       Hit
			videoID string
		)
		err := rows.Scan(&h.ID, &videoID, &h.Payload.Timestamp, &h.Payload.EndTime,
			&h.Payload.FramePath, &h.Payload.SegmentIndex, &h.Payload.Text, &h.Score)
		if err != nil {
			return nil, err
		}
		if h.Payload.VideoID, err = uuid.Parse(videoID); err != nil {
			return nil, errors.Join(fmt.Errorf("bad video id %q", videoID), err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortHits(hits)
	return hits, nil
}

func (s *pgVectorIndex) DeleteByVideo(ctx context.Context, collection string, videoID uuid.UUID) error {
	if _, err := s.dim(collection); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE video_id = $1", table(collection)), videoID.String())
	if err != nil {
		return fmt.Errorf("pgvector delete: %w", err)
	}
	return nil
}

func (s *pgVectorIndex) Close() error {
	s.pool.Close()
	return nil
}
