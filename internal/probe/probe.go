// Package probe provides the OS-level capability interface the tracker
// samples: the foreground application, its window title (best effort),
// and the seconds elapsed since the last input event.
package probe

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports a transient probe failure. The tracker treats
// the tick as idle rather than aborting the loop.
var ErrUnavailable = errors.New("probe unavailable")

// Sample is one raw observation of the workstation. It is ephemeral:
// only confirmed, debounced switches reach persistent state.
type Sample struct {
	AppName     string
	WindowTitle string
	IdleSeconds float64
	ObservedAt  time.Time
}

// Sampler returns the current foreground state on demand. Implementations
// must respect the context deadline; the tracker calls with a timeout and
// degrades to idle when the probe hangs or fails.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}
