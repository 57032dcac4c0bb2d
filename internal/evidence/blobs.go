package evidence

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore holds evidence content and conflict artifacts, keyed by
// versioned keys built with BlobKey and ConflictKey.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BlobKey addresses the content of one evidence version.
func BlobKey(evidenceID string, version int64) string {
	return fmt.Sprintf("evidence/%s/v%d", evidenceID, version)
}

// ConflictKey addresses the preserved content of a save that lost a
// divergence check.
func ConflictKey(sessionID string) string {
	return fmt.Sprintf("conflicts/%s", sessionID)
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, key)
	}
	return append([]byte(nil), content...), nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}
