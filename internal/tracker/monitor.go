package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"appwatch/internal/probe"
)

// BucketStore is the slice of the minute store the monitor drives:
// credits in, closed buckets flushed out.
type BucketStore interface {
	Crediter
	FlushClosed(now time.Time) error
	FlushAll() error
}

// Options configures a Monitor.
type Options struct {
	SampleInterval time.Duration
	SampleTimeout  time.Duration
	IdleThreshold  time.Duration
	Stability      time.Duration
	Clock          quartz.Clock
	Logger         *slog.Logger
}

// Monitor runs the sampling loop: poll the probe, debounce switches,
// feed the accumulator, and flush closed minute buckets. All shared
// state is mutated from this single loop.
type Monitor struct {
	sampler probe.Sampler
	keyFn   KeyFunc
	store   BucketStore

	debounce *Debouncer
	acc      *Accumulator

	clock          quartz.Clock
	sampleInterval time.Duration
	sampleTimeout  time.Duration
	idleThreshold  time.Duration
	logger         *slog.Logger

	idle       bool
	lastMinute time.Time
}

func NewMonitor(sampler probe.Sampler, keyFn KeyFunc, store BucketStore, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 500 * time.Millisecond
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = 2 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 5 * time.Minute
	}
	if opts.Stability <= 0 {
		opts.Stability = 300 * time.Millisecond
	}

	return &Monitor{
		sampler:        sampler,
		keyFn:          keyFn,
		store:          store,
		debounce:       NewDebouncer(opts.Stability),
		acc:            NewAccumulator(store, opts.Logger),
		clock:          opts.Clock,
		sampleInterval: opts.SampleInterval,
		sampleTimeout:  opts.SampleTimeout,
		idleThreshold:  opts.IdleThreshold,
		logger:         opts.Logger,
	}
}

// Run blocks until ctx is canceled. On shutdown the open interval is
// credited up to "now" and every in-memory bucket is flushed, so a clean
// exit loses nothing.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("tracking started",
		"sample_interval", m.sampleInterval,
		"idle_threshold", m.idleThreshold)

	sampleTick := m.clock.NewTicker(m.sampleInterval, "sample")
	defer sampleTick.Stop()
	// The boundary timer is independent of sample arrival so long steady
	// periods still flush on time.
	boundaryTick := m.clock.NewTicker(time.Second, "boundary")
	defer boundaryTick.Stop()

	for {
		select {
		case <-ctx.Done():
			now := m.clock.Now()
			m.acc.Shutdown(now)
			if err := m.store.FlushAll(); err != nil {
				m.logger.Error("final flush failed", "error", err)
			}
			m.logger.Info("tracking stopped")
			return ctx.Err()
		case <-sampleTick.C:
			m.step(ctx)
		case <-boundaryTick.C:
			m.onBoundary(m.clock.Now())
		}
	}
}

func (m *Monitor) step(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.sampleTimeout)
	sample, err := m.sampler.Sample(sctx)
	cancel()

	now := m.clock.Now()

	if err != nil || sample.AppName == "" {
		if err != nil {
			m.logger.Debug("probe failed, treating tick as idle", "error", err)
		}
		// Degrade to idle: one missed sample is cheaper than a wrong credit.
		if m.acc.Tracking() {
			m.acc.GoIdle(now)
			m.debounce.Reset("")
		}
		return
	}

	if sample.IdleSeconds >= m.idleThreshold.Seconds() {
		m.handleIdle(sample, now)
		return
	}

	key := m.keyFn(sample)

	if m.idle {
		m.idle = false
		m.logger.Info("activity resumed", "app", key)
	}

	if !m.acc.Tracking() {
		// Resume is immediate, not debounced: a false resume costs one
		// short interval, a delayed idle would overcount active time.
		m.acc.Start(key, now)
		m.debounce.Reset(key)
		m.logger.Debug("interval opened", "app", key)
		return
	}

	if sw, ok := m.debounce.Observe(key, now); ok {
		m.logger.Debug("app switch", "from", sw.From, "to", sw.To)
		m.acc.SwitchTo(sw.To, sw.At)
	}
}

func (m *Monitor) handleIdle(sample probe.Sample, now time.Time) {
	if !m.acc.Tracking() {
		return
	}
	// Credit only up to the idle onset; the threshold's worth of
	// inactivity belongs to no key.
	onset := now.Add(-time.Duration(sample.IdleSeconds * float64(time.Second)))
	m.acc.GoIdle(onset)
	m.debounce.Reset("")
	m.idle = true
	m.logger.Info("user idle, pausing tracking", "idle_seconds", sample.IdleSeconds)
}

func (m *Monitor) onBoundary(now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.After(m.lastMinute) {
		return
	}
	m.lastMinute = minute

	m.acc.Tick(minute)
	if err := m.store.FlushClosed(now); err != nil {
		// Credits stay in memory and are retried on the next boundary.
		m.logger.Error("bucket flush failed", "error", err)
	}
}
