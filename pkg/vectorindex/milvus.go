package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog"
)

const (
	fieldID           = "id"
	fieldVideoID      = "video_id"
	fieldTimestamp    = "timestamp"
	fieldEndTime      = "end_time"
	fieldFramePath    = "frame_path"
	fieldSegmentIndex = "segment_index"
	fieldText         = "text"
	fieldVector       = "vector"

	maxTextLength = 4096
)

var outputFields = []string{fieldVideoID, fieldTimestamp, fieldEndTime, fieldFramePath, fieldSegmentIndex, fieldText}

type milvusIndex struct {
	mc   client.Client
	mu   sync.RWMutex
	dims map[string]int
}

func NewMilvus(ctx context.Context, addr, username, password string) (Index, error) {
	operation := func() (client.Client, error) {
		mc, err := client.NewClient(ctx, client.Config{Address: addr, Username: username, Password: password})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("address", addr).Msg("milvus connect failed, retrying")
			return nil, err
		}
		return mc, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	mc, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &milvusIndex{mc: mc, dims: map[string]int{}}, nil
}

func (s *milvusIndex) EnsureCollection(ctx context.Context, name string, dim int) error {
	has, err := s.mc.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if has {
		coll, err := s.mc.DescribeCollection(ctx, name)
		if err != nil {
			return err
		}
		if existing := vectorDim(coll.Schema); existing != dim {
			return fmt.Errorf("%w: collection %s has %d, want %d", ErrDimensionMismatch, name, existing, dim)
		}
	} else {
		schema := entity.NewSchema().WithName(name).WithDescription("video moment embeddings")
		schema.WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true))
		schema.WithField(entity.NewField().WithName(fieldVideoID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName(fieldTimestamp).WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName(fieldEndTime).WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName(fieldFramePath).WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName(fieldSegmentIndex).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLength))
		schema.WithField(entity.NewField().WithName(fieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

		if err := s.mc.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			return fmt.Errorf("new hnsw index: %w", err)
		}
		if err := s.mc.CreateIndex(ctx, name, fieldVector, idx, false, client.WithIndexName("idx_vector")); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := s.mc.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return nil
}

func vectorDim(schema *entity.Schema) int {
	if schema == nil {
		return 0
	}
	for _, f := range schema.Fields {
		if f.DataType == entity.FieldTypeFloatVector {
			d, _ := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
			return d
		}
	}
	return 0
}

func (s *milvusIndex) dim(collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dims[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return d, nil
}

func (s *milvusIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	dim, err := s.dim(collection)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(points))
	videoIDs := make([]string, 0, len(points))
	timestamps := make([]float64, 0, len(points))
	endTimes := make([]float64, 0, len(points))
	frames := make([]string, 0, len(points))
	segments := make([]int64, 0, len(points))
	texts := make([]string, 0, len(points))
	vectors := make([][]float32, 0, len(points))
	for _, p := range points {
		if err := checkDim(collection, dim, p.Vector); err != nil {
			return err
		}
		ids = append(ids, p.ID)
		videoIDs = append(videoIDs, p.Payload.VideoID.String())
		timestamps = append(timestamps, p.Payload.Timestamp)
		end := p.Payload.Timestamp
		if p.Payload.EndTime != nil {
			end = *p.Payload.EndTime
		}
		endTimes = append(endTimes, end)
		frames = append(frames, p.Payload.FramePath)
		segments = append(segments, int64(p.Payload.SegmentIndex))
		texts = append(texts, truncate(p.Payload.Text, maxTextLength))
		vectors = append(vectors, p.Vector)
	}

	_, err = s.mc.Upsert(ctx, collection, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldVideoID, videoIDs),
		entity.NewColumnDouble(fieldTimestamp, timestamps),
		entity.NewColumnDouble(fieldEndTime, endTimes),
		entity.NewColumnVarChar(fieldFramePath, frames),
		entity.NewColumnInt64(fieldSegmentIndex, segments),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnFloatVector(fieldVector, dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

func (s *milvusIndex) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float64) ([]Hit, error) {
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

	sp, err := entity.NewIndexHNSWSearchParam(max(topK, 64))
	if err != nil {
		return nil, err
	}
	res, err := s.mc.Search(ctx, collection, []string{}, "", outputFields,
		[]entity.Vector{entity.FloatVector(vector)}, fieldVector, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			score := float64(r.Scores[i])
			// results are sorted, so filtering after topK equals filtering before it
			if score < threshold {
				continue
			}
			id, err := r.IDs.GetAsString(i)
			if err != nil {
				return nil, err
			}
			payload, err := payloadAt(cols, i)
			if err != nil {
				return nil, err
			}
			hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
		}
	}
	sortHits(hits)
	return hits, nil
}

func payloadAt(cols map[string]entity.Column, i int) (Payload, error) {
	var p Payload
	if c, ok := cols[fieldVideoID].(*entity.ColumnVarChar); ok && i < c.Len() {
		id, err := uuid.Parse(c.Data()[i])
		if err != nil {
			return p, fmt.Errorf("bad video id in payload: %w", err)
		}
		p.VideoID = id
	}
	if c, ok := cols[fieldTimestamp].(*entity.ColumnDouble); ok && i < c.Len() {
		p.Timestamp = c.Data()[i]
	}
	if c, ok := cols[fieldEndTime].(*entity.ColumnDouble); ok && i < c.Len() {
		if end := c.Data()[i]; end > p.Timestamp {
			p.EndTime = &end
		}
	}
	if c, ok := cols[fieldFramePath].(*entity.ColumnVarChar); ok && i < c.Len() {
		p.FramePath = c.Data()[i]
	}
	if c, ok := cols[fieldSegmentIndex].(*entity.ColumnInt64); ok && i < c.Len() {
		p.SegmentIndex = int(c.Data()[i])
	}
	if c, ok := cols[fieldText].(*entity.ColumnVarChar); ok && i < c.Len() {
		p.Text = c.Data()[i]
	}
	return p, nil
}

func (s *milvusIndex) DeleteByVideo(ctx context.Context, collection string, videoID uuid.UUID) error {
	if _, err := s.dim(collection); err != nil {
		return err
	}
	expr := fmt.Sprintf("%s == \"%s\"", fieldVideoID, videoID.String())
	if err := s.mc.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("milvus delete: %w", err)
	}
	return nil
}

func (s *milvusIndex) Close() error {
	return s.mc.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
