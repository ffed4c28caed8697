package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appwatch/internal/aggregate"
	"appwatch/internal/config"
	"appwatch/internal/database"
	"appwatch/internal/store"
)

type pipelineFixture struct {
	pipeline *Pipeline
	store    *store.MinuteStore
	db       *database.DB
	clock    *quartz.Mock
	requests *atomic.Int64
	lastBody *atomic.Value
	respond  *atomic.Int64 // HTTP status to answer with
}

func newPipelineFixture(t *testing.T, maxRetries int) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		requests: &atomic.Int64{},
		lastBody: &atomic.Value{},
		respond:  &atomic.Int64{},
	}
	f.respond.Store(http.StatusOK)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		var payload Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			f.lastBody.Store(payload)
		}
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(int(f.respond.Load()))
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{
		DataDir:        "activity_data",
		DatabasePath:   filepath.Join(t.TempDir(), "appwatch.db"),
		DeviceName:     "testbox",
		SyncEndpoint:   server.URL,
		SyncCredential: "sekrit",
		MaxSyncRetries: maxRetries,
		RetentionDays:  30,
	}

	fs := afero.NewMemMapFs()
	st, err := store.New(fs, cfg.DataDir, nil)
	require.NoError(t, err)

	db, err := database.New(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	agg := aggregate.New(st, fs, cfg.DataDir, nil)

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC))

	p := NewPipeline(cfg, db, agg, st, clock, nil)
	// One post per submit, no in-cycle retries: the ledger drives the test.
	p.newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }

	f.pipeline = p
	f.store = st
	f.db = db
	f.clock = clock
	return f
}

// creditHour writes one closed bucket inside the given hour.
func (f *pipelineFixture) creditHour(t *testing.T, hour time.Time, key string, seconds float64) {
	t.Helper()
	f.store.Credit(hour.Add(30*time.Minute), key, seconds)
	require.NoError(t, f.store.FlushAll())
}

func TestSyncDeliversClosedHour(t *testing.T) {
	f := newPipelineFixture(t, 3)
	hour := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.creditHour(t, hour, "Safari", 42)

	res, err := f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Synced: 1}, res)
	assert.EqualValues(t, 1, f.requests.Load())

	payload := f.lastBody.Load().(Payload)
	assert.Equal(t, "2024-03-01_12", payload.Hour)
	assert.Equal(t, "testbox", payload.Device)
	assert.Equal(t, hour.Format(time.RFC3339), payload.Timestamp)
	assert.InDelta(t, 42.0, payload.Data.Applications["Safari"], 1e-9)
	assert.InDelta(t, 42.0, payload.Data.TotalTime, 1e-9)

	state, err := f.db.GetState("2024-03-01_12")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, database.StatusDelivered, state.Status)

	// Delivered hours are skipped on the next cycle.
	res, err = f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Skipped: 1}, res)
	assert.EqualValues(t, 1, f.requests.Load())
}

func TestSyncSkipsCurrentOpenHour(t *testing.T) {
	f := newPipelineFixture(t, 3)
	// 14:xx is still accumulating at the mocked 14:05.
	f.creditHour(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), "Safari", 10)

	res, err := f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{}, res)
	assert.Zero(t, f.requests.Load())
}

func TestSyncRetryBound(t *testing.T) {
	const maxRetries = 3
	f := newPipelineFixture(t, maxRetries)
	f.respond.Store(http.StatusInternalServerError)
	hour := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.creditHour(t, hour, "Safari", 42)

	for i := 0; i < maxRetries; i++ {
		res, err := f.pipeline.SyncAll(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, Results{Failed: 1}, res, "cycle %d", i)
		// Past the maximum backoff spacing, so the next cycle is eligible.
		f.clock.Advance(20 * time.Minute)
	}
	assert.EqualValues(t, maxRetries, f.requests.Load())

	state, err := f.db.GetState("2024-03-01_12")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, database.StatusFailed, state.Status)
	assert.Equal(t, maxRetries, state.Attempts)

	// Budget exhausted: no further automatic attempts.
	for i := 0; i < 3; i++ {
		res, err := f.pipeline.SyncAll(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, Results{Skipped: 1}, res)
		f.clock.Advance(20 * time.Minute)
	}
	assert.EqualValues(t, maxRetries, f.requests.Load())
}

func TestSyncBackoffSpacing(t *testing.T) {
	f := newPipelineFixture(t, 5)
	f.respond.Store(http.StatusInternalServerError)
	hour := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.creditHour(t, hour, "Safari", 42)

	res, err := f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Failed: 1}, res)

	// Immediately retrying is too soon; the hour waits out its backoff.
	res, err = f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Skipped: 1}, res)
	assert.EqualValues(t, 1, f.requests.Load())

	f.clock.Advance(time.Minute)
	res, err = f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Failed: 1}, res)
	assert.EqualValues(t, 2, f.requests.Load())
}

func TestSyncForceReArmsExhaustedHour(t *testing.T) {
	const maxRetries = 2
	f := newPipelineFixture(t, maxRetries)
	f.respond.Store(http.StatusInternalServerError)
	hour := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.creditHour(t, hour, "Safari", 42)

	for i := 0; i < maxRetries; i++ {
		_, err := f.pipeline.SyncAll(context.Background(), false)
		require.NoError(t, err)
		f.clock.Advance(20 * time.Minute)
	}

	// The endpoint recovers; only a forced sync may touch the hour again.
	f.respond.Store(http.StatusOK)
	res, err := f.pipeline.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Results{Skipped: 1}, res)

	res, err = f.pipeline.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, Results{Synced: 1}, res)

	state, err := f.db.GetState("2024-03-01_12")
	require.NoError(t, err)
	assert.Equal(t, database.StatusDelivered, state.Status)
}

func TestSyncWithoutEndpointFails(t *testing.T) {
	f := newPipelineFixture(t, 3)
	f.pipeline.cfg.SyncEndpoint = ""

	_, err := f.pipeline.SyncAll(context.Background(), false)
	assert.Error(t, err)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, retryDelay(1))
	assert.Equal(t, time.Minute, retryDelay(2))
	assert.Equal(t, 2*time.Minute, retryDelay(3))
	assert.Equal(t, 15*time.Minute, retryDelay(10), "delay is capped")
}
