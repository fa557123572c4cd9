package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// MemoryStore is an in-process ArtifactStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
}

type memItem struct {
	meta     Version
	artifact []byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem)}
}

// Put stores a copy of the artifact.
func (s *MemoryStore) Put(_ context.Context, meta Version, artifact []byte) error {
	sum := sha256.Sum256(artifact)
	meta.SHA256 = hex.EncodeToString(sum[:])

	buf := make([]byte, len(artifact))
	copy(buf, artifact)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[meta.ModelName+"/"+meta.VersionID] = memItem{meta: meta, artifact: buf}
	return nil
}

// Get returns domain.ErrNotFound for unknown versions.
func (s *MemoryStore) Get(_ context.Context, modelName, versionID string) (Version, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[modelName+"/"+versionID]
	if !ok {
		return Version{}, nil, fmt.Errorf("%w: %s version %s", domain.ErrNotFound, modelName, versionID)
	}
	return item.meta, item.artifact, nil
}

// Delete removes a version. It exists so tests can simulate missing artifacts.
func (s *MemoryStore) Delete(modelName, versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, modelName+"/"+versionID)
}
