package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
)

type memoryItem struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// Memory is an in-process LRU cache bounded by total body bytes. Entries
// also carry their own TTL; an expired entry is dropped on lookup.
type Memory struct {
	mu       sync.Mutex
	maxBytes int64
	total    int64
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*memoryItem)
	if m.now().After(item.expiresAt) {
		m.removeLocked(el)
		return nil, false
	}
	m.order.MoveToFront(el)
	return item.entry, true
}

func (m *Memory) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) {
	if entry == nil || ttl <= 0 {
		return
	}
	size := entry.Size()
	if size > m.maxBytes {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}

	item := &memoryItem{key: key, entry: entry, expiresAt: m.now().Add(ttl)}
	m.items[key] = m.order.PushFront(item)
	m.total += size

	for m.total > m.maxBytes {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
		metrics.CacheEvictionsTotal.Inc()
	}
}

func (m *Memory) removeLocked(el *list.Element) {
	item := el.Value.(*memoryItem)
	m.order.Remove(el)
	delete(m.items, item.key)
	m.total -= item.entry.Size()
}

// Len reports the number of live entries. Expired entries still count until
// something looks them up.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
