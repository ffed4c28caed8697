// Package store persists one JSON bucket per elapsed wall-clock minute.
// Buckets accumulate in memory and are flushed once the minute has fully
// elapsed; writes are atomic (temp file + rename) so readers never see a
// truncated record.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	filePrefix = "activity_"
	fileSuffix = ".json"
	timeLayout = "20060102_1504"
)

// Filename returns the bucket filename for a minute start, in UTC.
func Filename(minuteStart time.Time) string {
	return filePrefix + minuteStart.UTC().Format(timeLayout) + fileSuffix
}

// ParseFilename extracts the UTC minute start from a bucket filename.
func ParseFilename(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MinuteStore accumulates per-key seconds for each open minute and
// writes them out once the minute closes. Failed writes keep credits in
// memory so the next flush cycle retries them.
type MinuteStore struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[int64]map[string]float64 // unix minute start -> key -> seconds
}

func New(fs afero.Fs, dir string, logger *slog.Logger) (*MinuteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &MinuteStore{
		fs:      fs,
		dir:     dir,
		logger:  logger,
		buckets: make(map[int64]map[string]float64),
	}, nil
}

// Credit adds seconds for key to the in-memory bucket for minuteStart.
func (s *MinuteStore) Credit(minuteStart time.Time, key string, seconds float64) {
	if key == "" || seconds <= 0 {
		return
	}
	minute := minuteStart.Truncate(time.Minute).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[minute]
	if b == nil {
		b = make(map[string]float64)
		s.buckets[minute] = b
	}
	b[key] += seconds
}

// FlushClosed persists every in-memory bucket whose minute has fully
// elapsed at now. Buckets that fail to write stay queued.
func (s *MinuteStore) FlushClosed(now time.Time) error {
	cutoff := now.Truncate(time.Minute).Unix()
	return s.flush(func(minute int64) bool { return minute < cutoff })
}

// FlushAll persists every in-memory bucket, including the still-open
// current minute. Called on shutdown.
func (s *MinuteStore) FlushAll() error {
	return s.flush(func(int64) bool { return true })
}

func (s *MinuteStore) flush(closed func(int64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for minute, bucket := range s.buckets {
		if !closed(minute) {
			continue
		}
		minuteStart := time.Unix(minute, 0).UTC()
		if err := s.writeMerged(minuteStart, bucket); err != nil {
			s.logger.Error("failed to persist minute bucket",
				"minute", minuteStart, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(s.buckets, minute)
	}
	return firstErr
}

// writeMerged merges credits into whatever is already on disk for the
// minute and writes the result atomically. Re-flushing identical
// contents never happens (flushed credits leave memory), and late
// credits after a suspend gap merge additively.
func (s *MinuteStore) writeMerged(minuteStart time.Time, credits map[string]float64) error {
	existing, err := s.Load(minuteStart)
	if err != nil {
		return err
	}
	for key, seconds := range credits {
		existing[key] += seconds
	}
	if len(existing) == 0 {
		// Minutes with zero credited time write no file. The aggregator
		// treats missing minutes as zero activity.
		return nil
	}

	clampBucket(existing)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, Filename(minuteStart))
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// clampBucket rescales a bucket whose durations exceed one minute by
// more than a small tolerance. Exact boundary splitting should prevent
// this; the clamp bounds damage from wall-clock changes.
func clampBucket(bucket map[string]float64) {
	var total float64
	for _, seconds := range bucket {
		total += seconds
	}
	if total <= 65 {
		return
	}
	scale := 60.0 / total
	for key := range bucket {
		bucket[key] *= scale
	}
}

// Load reads the persisted bucket for a minute. A missing file is an
// empty bucket; a corrupt file is logged and treated as empty rather
// than failing the caller.
func (s *MinuteStore) Load(minuteStart time.Time) (map[string]float64, error) {
	path := filepath.Join(s.dir, Filename(minuteStart))
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]float64{}, nil
		}
		return nil, err
	}

	bucket := map[string]float64{}
	if err := json.Unmarshal(data, &bucket); err != nil {
		s.logger.Warn("corrupt minute bucket, treating as empty",
			"file", filepath.Base(path), "error", err)
		return map[string]float64{}, nil
	}
	return bucket, nil
}

// Pending returns the minute starts currently buffered in memory,
// sorted. Used by tests and the status endpoint.
func (s *MinuteStore) Pending() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	minutes := make([]time.Time, 0, len(s.buckets))
	for minute := range s.buckets {
		minutes = append(minutes, time.Unix(minute, 0).UTC())
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i].Before(minutes[j]) })
	return minutes
}

// Prune deletes bucket files whose minute is older than the cutoff.
func (s *MinuteStore) Prune(cutoff time.Time) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		minute, ok := ParseFilename(entry.Name())
		if !ok || !minute.Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn("failed to prune bucket", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
