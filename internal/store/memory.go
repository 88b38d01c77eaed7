package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/archive-flow/internal/model"
)

// Memory is an in-process Store used by tests and dry runs.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]model.WorkItem
	byID   map[string]string
	hook   func(handle string, fields model.Fields) error
	writes []model.Patch
}

// NewMemory returns a Memory store holding items. Items without a handle
// are given one.
func NewMemory(items ...model.WorkItem) *Memory {
	m := &Memory{
		items: make(map[string]model.WorkItem),
		byID:  make(map[string]string),
	}
	for _, it := range items {
		_, _ = m.Insert(context.Background(), it)
	}
	return m
}

// OnPatch installs a hook that runs before every write; a non-nil error
// fails the write.
func (m *Memory) OnPatch(hook func(handle string, fields model.Fields) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Writes returns every successful patch in order.
func (m *Memory) Writes() []model.Patch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Patch(nil), m.writes...)
}

// Insert implements Seeder.
func (m *Memory) Insert(_ context.Context, item model.WorkItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Handle == "" {
		item.Handle = uuid.NewString()
	}
	item.Status = model.ParseStatus(string(item.Status))
	m.items[item.Handle] = item
	m.byID[item.ID] = item.Handle
	return item.Handle, nil
}

func (m *Memory) FindByStatus(_ context.Context, status model.Status) ([]model.WorkItem, error) {
	return m.filter(func(w model.WorkItem) bool { return w.Status == status }), nil
}

func (m *Memory) FindByParent(_ context.Context, parentID string) ([]model.WorkItem, error) {
	return m.filter(func(w model.WorkItem) bool { return parentID != "" && w.ParentID == parentID }), nil
}

func (m *Memory) FindByID(_ context.Context, itemID string) (*model.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byID[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	it := m.items[h]
	return &it, nil
}

func (m *Memory) Get(_ context.Context, handle string) (*model.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (m *Memory) PatchFields(_ context.Context, handle string, fields model.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[handle]
	if !ok {
		return ErrNotFound
	}
	if m.hook != nil {
		if err := m.hook(handle, fields); err != nil {
			return err
		}
	}
	oldID := it.ID
	it.Apply(fields)
	if it.ID != oldID {
		delete(m.byID, oldID)
		m.byID[it.ID] = handle
	}
	m.items[handle] = it

	cp := make(model.Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.writes = append(m.writes, model.Patch{Handle: handle, Fields: cp})
	return nil
}

func (m *Memory) PatchMany(ctx context.Context, patches []model.Patch) (int, error) {
	return patchEach(ctx, m, patches)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) filter(keep func(model.WorkItem) bool) []model.WorkItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.WorkItem, 0)
	for _, it := range m.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return sortByID(out)
}

var (
	_ Store  = (*Memory)(nil)
	_ Seeder = (*Memory)(nil)
)
