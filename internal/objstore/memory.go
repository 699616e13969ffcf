package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/coldvault/coldvault/internal/store/constants"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]memObject
	restores map[string]RestoreState
}

type memObject struct {
	data  []byte
	class string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]memObject),
		restores: make(map[string]RestoreState),
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, storageClass string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	if storageClass == "" {
		storageClass = constants.ClassStandard
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, class: storageClass}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		StorageClass: obj.class,
		ETag:         fmt.Sprintf("%x", xxh3.Hash(obj.data)),
	}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.restores, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var objects []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			StorageClass: obj.class,
			ETag:         fmt.Sprintf("%x", xxh3.Hash(obj.data)),
		})
	}
	return objects, nil
}

func (m *MemoryStore) RequestRestore(_ context.Context, key string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	if m.restores[key] != RestoreReady {
		m.restores[key] = RestoreInProgress
	}
	return nil
}

func (m *MemoryStore) RestoreStatus(_ context.Context, key string) (RestoreState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", ErrNotFound
	}
	if state, ok := m.restores[key]; ok {
		return state, nil
	}
	switch obj.class {
	case constants.ClassGlacierFlexible, constants.ClassDeepArchive:
		return RestoreNotRequested, nil
	}
	return RestoreReady, nil
}

// CompleteRestore marks an in-flight retrieval as done. Test hook.
func (m *MemoryStore) CompleteRestore(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores[key] = RestoreReady
}

// Len reports the number of stored objects. Test hook.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
