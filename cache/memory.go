package cache

func (s *Store) fromMemory(id string) *Item {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.memory[id]
}

// remember puts the item in the memory tier, evicting the least recently
// refreshed other item when the tier is full.
func (s *Store) remember(item *Item) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.memory[item.SessionID] = item
	for len(s.memory) > s.cfg.MaxMemoryItems {
		var oldest *Item
		for id, candidate := range s.memory {
			if id == item.SessionID {
				continue
			}
			if oldest == nil || candidate.LocalRefreshTime.Before(oldest.LocalRefreshTime) {
				oldest = candidate
			}
		}
		if oldest == nil {
			return
		}
		delete(s.memory, oldest.SessionID)
		s.log.Trace().Str("session", oldest.SessionID).Msg("Evicted from memory")
	}
}

func (s *Store) forget(id string) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	delete(s.memory, id)
}

// InMemory reports whether the session is held by the memory tier.
func (s *Store) InMemory(id string) bool {
	return s.fromMemory(id) != nil
}
