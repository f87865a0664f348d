package keyedmutex

import "sync"

// Mutex serializes work per key while different keys proceed in parallel.
// Unused keys are released, so the zero-contention footprint is one map entry
// per key currently held or awaited.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*lock
}

type lock struct {
	sync.Mutex
	refs int
}

func New() *Mutex {
	return &Mutex{locks: make(map[string]*lock)}
}

// Lock acquires the lock for key and returns the function releasing it.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &lock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
