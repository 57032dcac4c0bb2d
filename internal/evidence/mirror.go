package evidence

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MirrorEntry is one file as the collaboration mirror reports it.
type MirrorEntry struct {
	Path       string
	ETag       string
	ModifiedAt time.Time
	Size       int64
}

// MirrorAdapter wraps the collaboration filesystem behind a uniform,
// idempotent surface. Failures map to the shared taxonomy: ErrUnavailable
// for transient faults, ErrNotFound for missing paths, ErrConflict when the
// remote changed underneath an operation.
type MirrorAdapter interface {
	List(ctx context.Context, caseID string) ([]MirrorEntry, error)
	Upload(ctx context.Context, caseID, filePath string, content []byte) (string, error)
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Delete(ctx context.Context, remotePath string) error
	Move(ctx context.Context, oldPath, newPath string) error
}

func mirrorObjectPath(caseID, filePath string) string {
	return path.Join(caseID, path.Clean("/"+filePath))
}

// MemoryMirror is an in-process MirrorAdapter for tests and the dev
// profile. Fail lets tests inject a transient or terminal fault for a
// specific path.
type MemoryMirror struct {
	mu      sync.RWMutex
	objects map[string]memoryMirrorObject
	fail    map[string]error
	now     func() time.Time

	hash func([]byte) string
}

type memoryMirrorObject struct {
	content    []byte
	etag       string
	modifiedAt time.Time
}

func NewMemoryMirror(hash func([]byte) string) *MemoryMirror {
	return &MemoryMirror{
		objects: make(map[string]memoryMirrorObject),
		fail:    make(map[string]error),
		now:     time.Now,
		hash:    hash,
	}
}

// Fail makes the next operations touching remotePath return err.
// A nil err clears the injection.
func (m *MemoryMirror) Fail(remotePath string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, remotePath)
		return
	}
	m.fail[remotePath] = err
}

// Seed places an object directly, stamping the given modification time.
func (m *MemoryMirror) Seed(remotePath string, content []byte, modifiedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[remotePath] = memoryMirrorObject{
		content:    append([]byte(nil), content...),
		etag:       m.hash(content),
		modifiedAt: modifiedAt,
	}
}

func (m *MemoryMirror) List(_ context.Context, caseID string) ([]MirrorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail[caseID]; err != nil {
		return nil, err
	}
	prefix := caseID + "/"
	out := make([]MirrorEntry, 0)
	for p, obj := range m.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		out = append(out, MirrorEntry{
			Path:       p,
			ETag:       obj.etag,
			ModifiedAt: obj.modifiedAt,
			Size:       int64(len(obj.content)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryMirror) Upload(_ context.Context, caseID, filePath string, content []byte) (string, error) {
	remotePath := mirrorObjectPath(caseID, filePath)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[remotePath]; err != nil {
		return "", err
	}
	if existing, ok := m.objects[remotePath]; ok && bytes.Equal(existing.content, content) {
		return remotePath, nil
	}
	m.objects[remotePath] = memoryMirrorObject{
		content:    append([]byte(nil), content...),
		etag:       m.hash(content),
		modifiedAt: m.now().UTC(),
	}
	return remotePath, nil
}

func (m *MemoryMirror) Download(_ context.Context, remotePath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail[remotePath]; err != nil {
		return nil, err
	}
	obj, ok := m.objects[remotePath]
	if !ok {
		return nil, fmt.Errorf("%w: mirror object %s", ErrNotFound, remotePath)
	}
	return append([]byte(nil), obj.content...), nil
}

func (m *MemoryMirror) Delete(_ context.Context, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[remotePath]; err != nil {
		return err
	}
	delete(m.objects, remotePath)
	return nil
}

func (m *MemoryMirror) Move(_ context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[oldPath]
	if !ok {
		return fmt.Errorf("%w: mirror object %s", ErrNotFound, oldPath)
	}
	if _, exists := m.objects[newPath]; exists {
		return fmt.Errorf("%w: mirror object %s already exists", ErrConflict, newPath)
	}
	delete(m.objects, oldPath)
	obj.modifiedAt = m.now().UTC()
	m.objects[newPath] = obj
	return nil
}
