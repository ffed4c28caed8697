package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appwatch/internal/aggregate"
	"appwatch/internal/config"
	"appwatch/internal/database"
	"appwatch/internal/store"
	syncpkg "appwatch/internal/sync"
)

func newTestServer(t *testing.T, seed func(st *store.MinuteStore)) *httptest.Server {
	t.Helper()

	fs := afero.NewMemMapFs()
	st, err := store.New(fs, "activity_data", nil)
	require.NoError(t, err)
	if seed != nil {
		seed(st)
		require.NoError(t, st.FlushAll())
	}

	db, err := database.New(filepath.Join(t.TempDir(), "appwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{DeviceName: "test-box"}
	agg := aggregate.New(st, fs, "activity_data", nil)
	pipeline := syncpkg.NewPipeline(cfg, db, agg, st, quartz.NewMock(t), nil)

	mux := http.NewServeMux()
	NewHandler(cfg, agg, pipeline).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	var body struct {
		Data struct {
			Device   string `json:"device"`
			Endpoint string `json:"endpoint"`
		} `json:"data"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-box", body.Data.Device)
	assert.Empty(t, body.Data.Endpoint)
}

func TestSummaries(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := newTestServer(t, func(st *store.MinuteStore) {
		st.Credit(day.Add(9*time.Hour), "Safari", 40)
		st.Credit(day.Add(9*time.Hour+time.Minute), "Xcode", 60)
		st.Credit(day.Add(15*time.Hour), "Safari", 20)
	})

	var body struct {
		Date         string `json:"date"`
		TotalSeconds float64 `json:"total_seconds"`
		Applications []struct {
			Name    string  `json:"name"`
			Seconds float64 `json:"seconds"`
		} `json:"applications"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/summaries?date=2024-03-01", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-03-01", body.Date)
	assert.InDelta(t, 120.0, body.TotalSeconds, 1e-6)

	require.Len(t, body.Applications, 2)
	// Sorted by time, largest first.
	assert.Equal(t, "Xcode", body.Applications[0].Name)
	assert.Equal(t, "Safari", body.Applications[1].Name)
	assert.InDelta(t, 60.0, body.Applications[1].Seconds, 1e-6)
}

func TestSummariesBadDate(t *testing.T) {
	srv := newTestServer(t, nil)

	var body struct {
		Error string `json:"error"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/summaries?date=yesterday", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error, "YYYY-MM-DD")
}

func TestHours(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := newTestServer(t, func(st *store.MinuteStore) {
		st.Credit(base.Add(5*time.Minute), "Safari", 30)
		st.Credit(base.Add(3*time.Hour), "Xcode", 30)
	})

	var body struct {
		Data []string `json:"data"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/hours", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"2024-03-01_09", "2024-03-01_12"}, body.Data)
}

func TestSyncWithoutEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/v1/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body.Error, "endpoint")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/sync")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
