package sonic

import (
	"context"
	"errors"
	"time"

	"github.com/always-cache/sonic/cache"
	"github.com/always-cache/sonic/resource"
)

// TrimReport describes a trim of both stores.
type TrimReport struct {
	Sessions  cache.TrimResult
	Resources resource.TrimResult
}

// Trim evicts from the session and resource stores when they are over
// their warning size. Unless forced, each store trims at most once per its
// check interval.
func (e *Engine) Trim(force bool) (TrimReport, error) {
	var report TrimReport
	var errs []error
	var err error
	ctx := context.Background()
	if report.Sessions, err = e.store.Trim(force); err != nil {
		errs = append(errs, err)
	}
	e.metrics.Evicted(ctx, "cache", report.Sessions.Freed())
	if e.resources != nil {
		if report.Resources, err = e.resources.Trim(force); err != nil {
			errs = append(errs, err)
		}
		e.metrics.Evicted(ctx, "resource", report.Resources.Freed())
	}
	return report, errors.Join(errs...)
}

// trimLoop runs until the engine closes, asking the stores to trim once
// per poll interval. The stores themselves skip passes that come too soon.
func (e *Engine) trimLoop() {
	defer e.untrack()
	e.log.Info().Msgf("Starting trim loop with interval %s", e.cfg.TrimPollInterval)
	ticker := time.NewTicker(e.cfg.TrimPollInterval)
	defer ticker.Stop()
	for {
		report, err := e.Trim(false)
		if err != nil {
			e.log.Error().Err(err).Msg("Could not trim caches")
		} else if !report.Sessions.Skipped {
			e.log.Trace().Int64("freed", report.Sessions.Freed()+report.Resources.Freed()).Msg("Trim pass done")
		}
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
