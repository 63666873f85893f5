package offline

import "sync"

// MemoryStore keeps the queue in process memory. Used in tests and as the
// fallback when no durable location is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items []QueuedIntent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds to the tail.
func (m *MemoryStore) Append(item QueuedIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

// Load copies out the queue in FIFO order.
func (m *MemoryStore) Load() ([]QueuedIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueuedIntent, len(m.items))
	copy(out, m.items)
	return out, nil
}

// Remove deletes the first stored item with a matching token.
func (m *MemoryStore) Remove(item QueuedIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].Token == item.Token {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}
