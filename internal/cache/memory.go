package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
)

// MemoryBackend is an in-process LRU bounded by the total size of stored
// values. A value larger than the budget is not stored.
type MemoryBackend struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List // front is most recently used
	items  map[string]*list.Element
}

type memItem struct {
	key   string
	value []byte
}

// NewMemoryBackend returns an LRU holding at most budget bytes of values.
func NewMemoryBackend(budget int64) *MemoryBackend {
	return &MemoryBackend{
		budget: budget,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	m.order.MoveToFront(el)
	return append([]byte(nil), el.Value.(*memItem).value...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	size := int64(len(value))
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}
	if size > m.budget {
		return nil
	}
	for m.used+size > m.budget {
		m.removeLocked(m.order.Back())
	}
	m.items[key] = m.order.PushFront(&memItem{key: key, value: append([]byte(nil), value...)})
	m.used += size
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

func (m *MemoryBackend) removeLocked(el *list.Element) {
	it := m.order.Remove(el).(*memItem)
	delete(m.items, it.key)
	m.used -= int64(len(it.value))
}

func (m *MemoryBackend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	type kv struct {
		key   string
		value []byte
	}
	m.mu.Lock()
	var matched []kv
	for el := m.order.Front(); el != nil; el = el.Next() {
		it := el.Value.(*memItem)
		if strings.HasPrefix(it.key, prefix) {
			matched = append(matched, kv{it.key, it.value})
		}
	}
	m.mu.Unlock()

	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// Used returns the bytes currently held.
func (m *MemoryBackend) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *MemoryBackend) Close() error {
	return nil
}
