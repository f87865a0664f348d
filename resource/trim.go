package resource

import (
	"os"
	"strings"

	"github.com/always-cache/sonic/configstore"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
)

type TrimResult struct {
	Skipped       bool
	Before, After int64
	Removed       []string
}

func (r TrimResult) Freed() int64 {
	return r.Before - r.After
}

// Trim evicts resources, least recently updated first, once the files
// exceed WarningFraction of MaxSize, until they fit in SafeFraction.
// Files without a config row go first.
func (c *Cache) Trim(force bool) (TrimResult, error) {
	if c.closed.Load() {
		return TrimResult{}, ErrClosed
	}
	now := c.now()
	if !force {
		last, err := c.config.Get(configstore.Global, trimKey)
		if err == nil && now.Sub(last.Time(configstore.KeyLastTrimTime)) < c.cfg.CheckInterval {
			return TrimResult{Skipped: true}, nil
		}
	}
	stamp := configstore.Entry{}
	stamp.SetTime(configstore.KeyLastTrimTime, now)
	if err := c.config.Put(configstore.Global, trimKey, stamp); err != nil {
		c.log.Warn().Err(err).Msg("Could not record trim time")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := fileutil.Size(c.dir)
	if err != nil {
		return TrimResult{}, err
	}
	result := TrimResult{Before: size, After: size}
	if size <= int64(float64(c.cfg.MaxSize)*c.cfg.WarningFraction) {
		return result, nil
	}
	target := int64(float64(c.cfg.MaxSize) * c.cfg.SafeFraction)

	ids, err := c.config.IDs(configstore.Resources, configstore.KeyLastUpdateTime)
	if err != nil {
		return result, err
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	var order []string
	seen := map[string]bool{}
	if files, err := os.ReadDir(c.dir); err == nil {
		for _, f := range files {
			id := strings.TrimSuffix(f.Name(), headerSuffix)
			if !known[id] && !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}
	order = append(order, ids...)

	for _, id := range order {
		if size <= target {
			break
		}
		freed := c.fileSize(c.bodyPath(id)) + c.fileSize(c.headerPath(id))
		if err := c.removeLocked(id); err != nil {
			c.log.Warn().Err(err).Str("resource", id).Msg("Could not remove resource while trimming")
			continue
		}
		size -= freed
		result.Removed = append(result.Removed, id)
	}
	result.After = size
	c.log.Info().
		Int64("before", result.Before).
		Int64("after", result.After).
		Int("removed", len(result.Removed)).
		Msg("Trimmed resource cache")
	return result, nil
}

func (c *Cache) fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", path).Msg("Could not measure resource file")
		}
		return 0
	}
	return info.Size()
}
