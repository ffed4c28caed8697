// Package tracker turns raw foreground samples into stable, minute-
// aligned duration credits. It owns the debounced switch detector and
// the session accumulator state machine.
package tracker

import (
	"appwatch/internal/probe"
)

// KeyFunc derives the identity time is credited against from a sample.
// An empty key means no attributable activity.
type KeyFunc func(probe.Sample) string

// NewKeyFunc builds the ActivityKey derivation for the given mode. Fast
// mode keys on the application name alone; detailed mode appends the
// normalized window title when one is available.
func NewKeyFunc(fastMode bool, normalize probe.Normalizer) KeyFunc {
	if normalize == nil {
		normalize = probe.CleanTitle
	}
	return func(s probe.Sample) string {
		if s.AppName == "" {
			return ""
		}
		if fastMode || s.WindowTitle == "" {
			return s.AppName
		}
		title := normalize(s.WindowTitle)
		if title == "" {
			return s.AppName
		}
		return s.AppName + " - " + title
	}
}
