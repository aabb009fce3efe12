package storage

import (
	"context"

	"hypergraph/internal/model"
)

// Store persists encoded checkpoints by name. Saving an existing name
// replaces it.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, name string) (model.CheckpointRecord, bool, error)
	ListCheckpoints(ctx context.Context) ([]model.CheckpointInfo, error)
	DeleteCheckpoint(ctx context.Context, name string) (bool, error)
}
