package tracker

import (
	"log/slog"
	"time"
)

// Crediter receives per-minute duration credits. minuteStart is floored
// to the wall-clock minute the seconds belong to.
type Crediter interface {
	Credit(minuteStart time.Time, key string, seconds float64)
}

// maxSegmentSeconds bounds a single credited segment. Segments beyond
// the cap indicate a clock jump or a suspended machine and are dropped
// rather than attributed to whatever happened to be foreground.
const maxSegmentSeconds = 120.0

// Accumulator owns the single open interval and converts interval
// transitions into minute-bucket credits. All methods must be called
// from one goroutine (the monitor loop serializes them).
//
// The central property: for any interval [t0, t1) attributed to key k,
// the credits issued across all minute buckets touching that range sum
// to exactly t1 - t0.
type Accumulator struct {
	credits Crediter
	logger  *slog.Logger

	tracking  bool
	key       string
	startedAt time.Time

	// lastBoundary guards minute ticks against double-firing.
	lastBoundary time.Time
}

func NewAccumulator(credits Crediter, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{credits: credits, logger: logger}
}

// Tracking reports whether an interval is currently open.
func (a *Accumulator) Tracking() bool { return a.tracking }

// Key returns the key of the open interval, or "" when idle.
func (a *Accumulator) Key() string {
	if !a.tracking {
		return ""
	}
	return a.key
}

// Start opens an interval for key at now. Idle -> Tracking.
func (a *Accumulator) Start(key string, now time.Time) {
	if a.tracking {
		a.SwitchTo(key, now)
		return
	}
	a.tracking = true
	a.key = key
	a.startedAt = now
}

// SwitchTo closes the open interval at now, crediting the elapsed time
// to the old key, and opens a new interval for key.
func (a *Accumulator) SwitchTo(key string, now time.Time) {
	if !a.tracking {
		a.Start(key, now)
		return
	}
	if key == a.key {
		return
	}
	a.creditSpan(a.key, a.startedAt, now)
	a.key = key
	a.startedAt = now
}

// GoIdle closes the open interval, crediting elapsed time up to at.
// Callers pass the idle onset (now minus reported idle seconds) so the
// threshold's worth of inactivity is not attributed to the last app.
func (a *Accumulator) GoIdle(at time.Time) {
	if !a.tracking {
		return
	}
	a.creditSpan(a.key, a.startedAt, at)
	a.tracking = false
	a.key = ""
}

// Tick handles a minute-boundary crossing: the open interval is credited
// up to boundary and restarted at it. Firing twice for the same boundary
// is a no-op.
func (a *Accumulator) Tick(boundary time.Time) {
	boundary = boundary.Truncate(time.Minute)
	if !boundary.After(a.lastBoundary) {
		return
	}
	a.lastBoundary = boundary

	if !a.tracking {
		return
	}
	a.creditSpan(a.key, a.startedAt, boundary)
	a.startedAt = boundary
}

// Shutdown closes the open interval at now so no partial minute is lost
// on clean exit.
func (a *Accumulator) Shutdown(now time.Time) {
	a.GoIdle(now)
}

// creditSpan splits [from, to) across the minute buckets it touches and
// credits each bucket exactly the seconds spent inside it.
func (a *Accumulator) creditSpan(key string, from, to time.Time) {
	if key == "" || !to.After(from) {
		return
	}
	if total := to.Sub(from).Seconds(); total > maxSegmentSeconds {
		a.logger.Warn("dropping oversized activity segment",
			"key", key, "seconds", total)
		return
	}

	for from.Before(to) {
		minute := from.Truncate(time.Minute)
		segEnd := minute.Add(time.Minute)
		if segEnd.After(to) {
			segEnd = to
		}
		a.credits.Credit(minute, key, segEnd.Sub(from).Seconds())
		from = segEnd
	}
}
