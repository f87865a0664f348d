package cache

import (
	"os"

	"github.com/always-cache/sonic/configstore"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
)

const sessionTrimKey = "session-trim"

// TrimResult describes one eviction pass.
type TrimResult struct {
	// The pass did not run because the last one is too recent.
	Skipped bool
	// Size of the session files before and after the pass.
	Before, After int64
	// Removed session ids, in removal order.
	Removed []string
}

// Freed returns the number of bytes released.
func (r TrimResult) Freed() int64 {
	return r.Before - r.After
}

// Trim evicts items when the session files exceed WarningFraction of
// MaxSize, oldest refresh first, until they fit in SafeFraction of MaxSize.
// Items without a config row cannot be served and go first.
// Unless forced, the pass runs at most once per CheckInterval.
func (s *Store) Trim(force bool) (TrimResult, error) {
	if s.closed.Load() {
		return TrimResult{}, ErrClosed
	}
	now := s.now()
	if !force {
		last, err := s.config.Get(configstore.Global, sessionTrimKey)
		if err == nil && now.Sub(last.Time(configstore.KeyLastTrimTime)) < s.cfg.CheckInterval {
			return TrimResult{Skipped: true}, nil
		}
	}
	stamp := configstore.Entry{}
	stamp.SetTime(configstore.KeyLastTrimTime, now)
	if err := s.config.Put(configstore.Global, sessionTrimKey, stamp); err != nil {
		s.log.Warn().Err(err).Msg("Could not record trim time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := fileutil.Size(s.sessionsDir)
	if err != nil {
		return TrimResult{}, err
	}
	result := TrimResult{Before: size, After: size}
	warning := int64(float64(s.cfg.MaxSize) * s.cfg.WarningFraction)
	if size <= warning {
		s.log.Trace().Int64("size", size).Msg("Cache below warning size")
		return result, nil
	}
	target := int64(float64(s.cfg.MaxSize) * s.cfg.SafeFraction)

	ids, err := s.config.IDs(configstore.Sessions, configstore.KeyLocalRefreshTime)
	if err != nil {
		return result, err
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	var order []string
	if dirs, err := os.ReadDir(s.sessionsDir); err == nil {
		for _, d := range dirs {
			if !known[d.Name()] {
				order = append(order, d.Name())
			}
		}
	}
	order = append(order, ids...)

	for _, id := range order {
		if size <= target {
			break
		}
		freed, err := fileutil.Size(s.dir(id))
		if err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("Could not measure session files")
		}
		if err := s.removeLocked(id); err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("Could not remove session while trimming")
			continue
		}
		size -= freed
		result.Removed = append(result.Removed, id)
	}
	result.After = size
	s.log.Info().
		Int64("before", result.Before).
		Int64("after", result.After).
		Int("removed", len(result.Removed)).
		Msg("Trimmed session cache")
	return result, nil
}
