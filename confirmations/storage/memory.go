package storage

import "sync"

// MemoryStore keeps state in process. Useful for tests and for running
// without a state directory.
type MemoryStore struct {
	mu    sync.RWMutex
	state map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string][]byte)}
}

func (m *MemoryStore) Load(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.state[name]
	if !ok {
		return nil, ErrStateNotFound
	}
	return append([]byte{}, value...), nil
}

func (m *MemoryStore) Save(name string, value []byte) error {
	m.mu.Lock()
	m.state[name] = append([]byte{}, value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
