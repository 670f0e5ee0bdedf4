package registry

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultReapPeriod    = 60 * time.Second
	DefaultIdleThreshold = 5 * time.Minute
)

// Reaper periodically force-terminates sessions that have gone quiet.
// Termination goes through the session's own Handle, so a reap and a racing
// graceful close collapse into a single close of the underlying resources.
type Reaper struct {
	Registry  *Registry
	Log       *slog.Logger
	Period    time.Duration
	Threshold time.Duration
	// OnReap is invoked once per reaped session, after Terminate. Used for
	// metrics.
	OnReap func(sessionID string)
}

// Run sweeps until ctx is cancelled. It never returns an error; a sweep that
// finds nothing is the common case.
func (rp *Reaper) Run(ctx context.Context) {
	period := rp.Period
	if period <= 0 {
		period = DefaultReapPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep()
		}
	}
}

// Sweep runs one pass and returns how many sessions it terminated.
func (rp *Reaper) Sweep() int {
	threshold := rp.Threshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}

	idle := rp.Registry.idleSessions(threshold)
	for _, e := range idle {
		log := rp.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("reaping idle session",
			"session_id", e.id,
			"idle_for", e.idleFor.Round(time.Second).String(),
		)
		if e.handle.Terminate != nil {
			e.handle.Terminate()
		}
		if rp.OnReap != nil {
			rp.OnReap(e.id)
		}
	}
	return len(idle)
}
