// Package aggregate rolls minute buckets up into hourly records. The
// rollup is pure: given unchanged bucket files, aggregating the same
// hour twice yields identical output.
package aggregate

import (
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/afero"

	"appwatch/internal/store"
)

// HourKeyLayout is the wire/ledger identity of an hour, in UTC.
const HourKeyLayout = "2006-01-02_15"

// Hourly is the rollup of up to 60 minute buckets.
type Hourly struct {
	HourStart      time.Time
	Applications   map[string]float64
	TotalTime      float64
	MinutesPresent int
}

// HourKey formats an hour start as the stable identity used by the sync
// ledger and wire payload.
func HourKey(hourStart time.Time) string {
	return hourStart.UTC().Format(HourKeyLayout)
}

// ParseHourKey is the inverse of HourKey.
func ParseHourKey(key string) (time.Time, error) {
	return time.ParseInLocation(HourKeyLayout, key, time.UTC)
}

// Aggregator reads closed minute buckets from the data directory.
type Aggregator struct {
	store  *store.MinuteStore
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

func New(st *store.MinuteStore, fs afero.Fs, dir string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, fs: fs, dir: dir, logger: logger}
}

// Aggregate sums the minute buckets within [hourStart, hourStart+1h).
// Missing minutes mean the system was off or idle and count as zero
// activity, never as an error.
func (a *Aggregator) Aggregate(hourStart time.Time) (Hourly, error) {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	out := Hourly{
		HourStart:    hourStart,
		Applications: map[string]float64{},
	}

	for i := 0; i < 60; i++ {
		minute := hourStart.Add(time.Duration(i) * time.Minute)
		bucket, err := a.store.Load(minute)
		if err != nil {
			return Hourly{}, err
		}
		if len(bucket) == 0 {
			continue
		}
		out.MinutesPresent++
		for key, seconds := range bucket {
			out.Applications[key] += seconds
			out.TotalTime += seconds
		}
	}
	return out, nil
}

// Hours lists every hour (UTC, sorted ascending) that has at least one
// bucket file on disk.
func (a *Aggregator) Hours() ([]time.Time, error) {
	entries, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		return nil, err
	}

	seen := map[time.Time]struct{}{}
	for _, entry := range entries {
		minute, ok := store.ParseFilename(entry.Name())
		if !ok {
			continue
		}
		seen[minute.Truncate(time.Hour)] = struct{}{}
	}

	hours := make([]time.Time, 0, len(seen))
	for hour := range seen {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours, nil
}

// Day sums every bucket belonging to a calendar day (UTC). Used by the
// local report surfaces.
func (a *Aggregator) Day(day time.Time) (map[string]float64, float64, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	apps := map[string]float64{}
	var total float64

	hours, err := a.Hours()
	if err != nil {
		return nil, 0, err
	}
	for _, hour := range hours {
		if hour.Before(dayStart) || !hour.Before(dayStart.Add(24*time.Hour)) {
			continue
		}
		hourly, err := a.Aggregate(hour)
		if err != nil {
			return nil, 0, err
		}
		for key, seconds := range hourly.Applications {
			apps[key] += seconds
			total += seconds
		}
	}
	return apps, total, nil
}
