package vectorindex

import (
	"context"
	"fmt"

	"video-search/config"
	"video-search/constant"
)

// Open builds the configured backend and makes sure both collections exist
// with the embedders' dimensionalities.
func Open(ctx context.Context, cfg config.Vector, visualDim, speechDim int) (Index, error) {
	var (
		idx Index
		err error
	)
	switch constant.VectorBackend(cfg.Backend) {
	case constant.VectorBackendMemory, "":
		idx = NewMemory()
	case constant.VectorBackendMilvus:
		idx, err = NewMilvus(ctx, cfg.MilvusAddress, cfg.MilvusUser, cfg.MilvusPassword)
	case constant.VectorBackendPgVector:
		idx, err = NewPgVector(ctx, cfg.PgVectorDSN)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := idx.EnsureCollection(ctx, cfg.VisualCollection, visualDim); err != nil {
		idx.Close()
		return nil, err
	}
	if err := idx.EnsureCollection(ctx, cfg.SpeechCollection, speechDim); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}
