package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// MemoryStore keeps blobs in process memory. It is meant for tests and for
// throwaway instances.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memBlob
}

type memBlob struct {
	data    []byte
	modTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memBlob)}
}

func (m *MemoryStore) Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error) {
	const op = "MemoryStore.Put"
	if err := checkID(op, id); err != nil {
		return "", 0, err
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", 0, storageErr(op, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; ok {
		return "", 0, xerrors.E(xerrors.KindAlreadyExists, op, id)
	}
	m.data[id] = memBlob{data: buf, modTime: time.Now()}
	return "mem://" + id, int64(len(buf)), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[id]
	if !ok {
		return nil, 0, xerrors.E(xerrors.KindNotFound, "MemoryStore.Get", id)
	}
	return io.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok, nil
}

func (m *MemoryStore) Walk(ctx context.Context, fn func(Entry) error) error {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.data))
	for id, b := range m.data {
		entries = append(entries, Entry{ID: id, ModTime: b.modTime})
	}
	m.mu.RUnlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
