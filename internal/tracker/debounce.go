package tracker

import "time"

// Switch is a confirmed foreground change. For consecutive events,
// From always equals the previous event's To.
type Switch struct {
	From string
	To   string
	At   time.Time
}

// Debouncer suppresses foreground flicker: a candidate key must be
// observed continuously for the stability window before it is confirmed.
// Rapid alternation between two keys therefore never emits a switch.
type Debouncer struct {
	stability time.Duration

	confirmed      string
	candidate      string
	candidateSince time.Time
}

func NewDebouncer(stability time.Duration) *Debouncer {
	return &Debouncer{stability: stability}
}

// Confirmed returns the currently confirmed key, if any.
func (d *Debouncer) Confirmed() string { return d.confirmed }

// Observe feeds one sampled key. It returns a Switch only when a
// candidate distinct from the confirmed key has been stable for the
// full window.
func (d *Debouncer) Observe(key string, now time.Time) (Switch, bool) {
	if key == "" {
		// Samples with no attributable key are handled as idle by the
		// caller and never confirm a switch.
		d.clearCandidate()
		return Switch{}, false
	}
	if key == d.confirmed {
		d.clearCandidate()
		return Switch{}, false
	}

	if key != d.candidate {
		d.candidate = key
		d.candidateSince = now
		return Switch{}, false
	}

	if now.Sub(d.candidateSince) >= d.stability {
		sw := Switch{From: d.confirmed, To: key, At: now}
		d.confirmed = key
		d.clearCandidate()
		return sw, true
	}

	return Switch{}, false
}

// Reset forces the confirmed key without debouncing. Used on resume
// from idle, where a false resume costs one short interval while a
// delayed one undercounts nothing but overstates idle time.
func (d *Debouncer) Reset(key string) {
	d.confirmed = key
	d.clearCandidate()
}

func (d *Debouncer) clearCandidate() {
	d.candidate = ""
	d.candidateSince = time.Time{}
}
