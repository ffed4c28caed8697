// Package api exposes a small local HTTP surface for inspecting tracked
// data and triggering a manual sync.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"appwatch/internal/aggregate"
	"appwatch/internal/config"
	"appwatch/internal/sync"
)

type Handler struct {
	cfg      *config.Config
	agg      *aggregate.Aggregator
	pipeline *sync.Pipeline
}

func NewHandler(cfg *config.Config, agg *aggregate.Aggregator, pipeline *sync.Pipeline) *Handler {
	return &Handler{
		cfg:      cfg,
		agg:      agg,
		pipeline: pipeline,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", h.getStatus)
	mux.HandleFunc("GET /api/v1/summaries", h.getSummaries)
	mux.HandleFunc("GET /api/v1/hours", h.getHours)
	mux.HandleFunc("POST /api/v1/sync", h.triggerSync)
	mux.HandleFunc("GET /health", h.healthCheck)
}

// --- Response helpers ---

type APIResponse struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Error: message})
}

// --- Handlers ---

// getStatus returns the pipeline and ledger summary.
// GET /api/v1/status
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.pipeline.Status()
	if err != nil {
		slog.Error("failed to read sync status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Data: status})
}

type appEntry struct {
	Name    string  `json:"name"`
	Seconds float64 `json:"seconds"`
}

// getSummaries returns the per-application rollup for a UTC day.
// GET /api/v1/summaries?date=2024-01-01
func (h *Handler) getSummaries(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		dateStr = time.Now().UTC().Format("2006-01-02")
	}
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return
	}

	apps, total, err := h.agg.Day(day)
	if err != nil {
		slog.Error("failed to aggregate day", "date", dateStr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate day")
		return
	}

	entries := make([]appEntry, 0, len(apps))
	for name, seconds := range apps {
		entries = append(entries, appEntry{Name: name, Seconds: seconds})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seconds > entries[j].Seconds })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":          dateStr,
		"applications":  entries,
		"total_seconds": total,
	})
}

// getHours lists hours with recorded activity.
// GET /api/v1/hours
func (h *Handler) getHours(w http.ResponseWriter, r *http.Request) {
	hours, err := h.agg.Hours()
	if err != nil {
		slog.Error("failed to list hours", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list hours")
		return
	}
	keys := make([]string, len(hours))
	for i, hour := range hours {
		keys[i] = aggregate.HourKey(hour)
	}
	writeJSON(w, http.StatusOK, APIResponse{Data: keys})
}

// triggerSync runs one sync cycle immediately.
// POST /api/v1/sync?force=true
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	results, err := h.pipeline.SyncAll(r.Context(), force)
	if err != nil {
		slog.Error("manual sync failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Data: results})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
