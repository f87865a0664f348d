package cache

import (
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/sonic/configstore"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// disableList mirrors the disable marks of the config table to a YAML file,
// so the marks survive a config table that does not (e.g. an in-memory one).
type disableList struct {
	path    string
	mu      sync.Mutex
	entries map[string]time.Time
}

type disableFile struct {
	Disabled map[string]time.Time `yaml:"disabled"`
}

func loadDisableList(path string, config configstore.Provider, now time.Time) (*disableList, error) {
	l := &disableList{path: path, entries: make(map[string]time.Time)}
	raw, err := fileutil.ReadFile(path)
	if err != nil || raw == nil {
		return l, err
	}
	var f disableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return l, err
	}
	for id, until := range f.Disabled {
		if !now.Before(until) {
			continue
		}
		l.entries[id] = until
		entry, err := config.Get(configstore.Disabled, id)
		if err == nil && entry.Empty() {
			values := configstore.Entry{}
			values.SetTime(configstore.KeyDisableUntil, until)
			config.Put(configstore.Disabled, id, values)
		}
	}
	return l, nil
}

func (l *disableList) set(id string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.IsZero() {
		delete(l.entries, id)
	} else {
		l.entries[id] = until
	}
	raw, err := yaml.Marshal(disableFile{Disabled: l.entries})
	if err != nil {
		return err
	}
	return fileutil.WriteFile(l.path, raw)
}

// MarkSonicDisabled makes the session bypass the cache until the given time.
// Existing cache content is not touched; the engine removes it.
func (s *Store) MarkSonicDisabled(id string, until time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	values := configstore.Entry{}
	values.SetTime(configstore.KeyDisableUntil, until)
	if err := s.config.Put(configstore.Disabled, id, values); err != nil {
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "disable", id, err)
	}
	if err := s.disabled.set(id, until); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("Could not write disable list")
	}
	s.log.Info().Str("session", id).Time("until", until).Msg("Session disabled by server")
	return nil
}

// IsSonicDisabled reports whether the session is currently disabled.
// Expired marks are cleaned up.
func (s *Store) IsSonicDisabled(id string) bool {
	if s.closed.Load() {
		return false
	}
	entry, err := s.config.Get(configstore.Disabled, id)
	if err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("Could not read disable mark")
		return false
	}
	until := entry.Time(configstore.KeyDisableUntil)
	if until.IsZero() {
		return false
	}
	if s.now().Before(until) {
		return true
	}
	s.config.Delete(configstore.Disabled, id)
	if err := s.disabled.set(id, time.Time{}); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("Could not write disable list")
	}
	return false
}

// DisabledUntil returns the end of the session's disable period, if any.
func (s *Store) DisabledUntil(id string) (time.Time, bool) {
	entry, err := s.config.Get(configstore.Disabled, id)
	if err != nil {
		return time.Time{}, false
	}
	until := entry.Time(configstore.KeyDisableUntil)
	return until, !until.IsZero() && s.now().Before(until)
}

func disableListPath(root string) string {
	return filepath.Join(root, "disable-list.yaml")
}
