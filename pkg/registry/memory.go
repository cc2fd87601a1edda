package registry

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// MemoryRegistry is the default process-lifetime registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	order []string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: make(map[string]Descriptor)}
}

func (m *MemoryRegistry) Insert(ctx context.Context, d Descriptor) error {
	const op = "MemoryRegistry.Insert"
	if err := validate(op, d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[d.ID]; ok {
		return xerrors.E(xerrors.KindAlreadyExists, op, d.ID)
	}
	m.byID[d.ID] = d
	m.order = append(m.order, d.ID)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return Descriptor{}, xerrors.E(xerrors.KindNotFound, "MemoryRegistry.Get", id)
	}
	return d, nil
}

func (m *MemoryRegistry) List(ctx context.Context) iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		m.mu.RLock()
		snapshot := make([]Descriptor, 0, len(m.order))
		for _, id := range m.order {
			snapshot = append(snapshot, m.byID[id])
		}
		m.mu.RUnlock()
		for _, d := range snapshot {
			if ctx.Err() != nil || !yield(d) {
				return
			}
		}
	}
}

func (m *MemoryRegistry) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "MemoryRegistry.Delete", id)
	}
	delete(m.byID, id)
	if i := slices.Index(m.order, id); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	return nil
}

func (m *MemoryRegistry) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}
