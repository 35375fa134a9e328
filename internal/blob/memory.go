package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryStore keeps objects in process memory. Used in tests and as a
// sink when archival is disabled.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Driver() Driver { return DriverMemory }

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader) (Info, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read blob %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj := memoryObject{data: data, modified: time.Now().UTC()}
	s.objects[clean] = obj
	return Info{Key: clean, Size: int64(len(data)), LastModified: obj.modified}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[clean]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (Info, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[clean]
	s.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Info{Key: clean, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []Info
	for key, obj := range s.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, Info{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, clean)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
