package configstore

import (
	"sort"
	"sync"
)

// Memory is an in-process provider. Its content is lost on exit.
type Memory struct {
	mutex *sync.RWMutex
	db    map[string]map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m *Memory) Get(namespace, id string) (Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[namespace][id]
	if !ok {
		return Entry{}, nil
	}
	return entry.Clone(), nil
}

func (m *Memory) Put(namespace, id string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.namespace(namespace)[id] = entry.Clone()
	return nil
}

func (m *Memory) Set(namespace, id string, values Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ns := m.namespace(namespace)
	entry, ok := ns[id]
	if !ok {
		entry = Entry{}
		ns[id] = entry
	}
	for k, v := range values {
		entry[k] = v
	}
	return nil
}

func (m *Memory) Delete(namespace, id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[namespace], id)
	return nil
}

func (m *Memory) Clear(namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, namespace)
	return nil
}

func (m *Memory) IDs(namespace, orderKey string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ns := m.db[namespace]
	ids := make([]string, 0, len(ns))
	for id := range ns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ns[ids[i]].Int64(orderKey), ns[ids[j]].Int64(orderKey)
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (m *Memory) Close() error {
	return nil
}

// namespace returns the namespace map, creating it. Caller holds the lock.
func (m *Memory) namespace(namespace string) map[string]Entry {
	ns, ok := m.db[namespace]
	if !ok {
		ns = make(map[string]Entry)
		m.db[namespace] = ns
	}
	return ns
}
