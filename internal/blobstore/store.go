package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var ErrNotFound = errors.New("blobstore: object not found")

// Store is versioned object storage for program configs and epoch artifacts.
// Put returns the version id of the written object.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	GetVersion(ctx context.Context, key, version string) ([]byte, error)
}

// ArtifactKey is where the distribution artifact of epoch lives.
func ArtifactKey(prefix string, epoch int64) string {
	return fmt.Sprintf("%sepochs/%06d/distribution.json", normalizePrefix(prefix), epoch)
}

// ProgramKey is where a program config lives.
func ProgramKey(prefix, name string) string {
	return fmt.Sprintf("%sprograms/%s.yaml", normalizePrefix(prefix), name)
}

func normalizePrefix(prefix string) string {
	if prefix == "" || prefix[len(prefix)-1] == '/' {
		return prefix
	}
	return prefix + "/"
}

// MemoryStore keeps every version in memory. Versions are "1", "2", ... per key.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = append(m.objects[key], buf)
	return strconv.Itoa(len(m.objects[key])), nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.objects[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return clone(versions[len(versions)-1]), nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, key, version string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := strconv.Atoi(version)
	versions := m.objects[key]
	if err != nil || n < 1 || n > len(versions) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, key, version)
	}
	return clone(versions[n-1]), nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
