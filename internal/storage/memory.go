package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"hypergraph/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]model.CheckpointRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string]model.CheckpointRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, record model.CheckpointRecord) error {
	if record.Name == "" {
		return errors.New("checkpoint name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	record.Payload = append([]byte(nil), record.Payload...)
	record.SizeBytes = len(record.Payload)
	s.checkpoints[record.Name] = record
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, name string) (model.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.checkpoints[name]
	if !ok {
		return model.CheckpointRecord{}, false, nil
	}
	record.Payload = append([]byte(nil), record.Payload...)
	return record, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]model.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]model.CheckpointInfo, 0, len(s.checkpoints))
	for _, record := range s.checkpoints {
		infos = append(infos, record.CheckpointInfo)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.checkpoints[name]
	delete(s.checkpoints, name)
	return ok, nil
}
