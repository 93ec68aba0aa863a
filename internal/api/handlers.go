// Package api exposes the serving layer over HTTP: the combined view, the
// batch layer's daily peak summary, short-window and hourly speed-layer
// aggregates, and a websocket stream of the combined view.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/serving"
)

const (
	viewCacheKey      = "serving:view"
	defaultRecentMins = 5
	maxRecentMins     = 24 * 60
)

// Engine is the read model served by the API.
type Engine interface {
	CombinedView(ctx context.Context) serving.View
	LatestPeakHours(ctx context.Context) (*database.PeakHoursSummary, bool, error)
	RecentAggregates(ctx context.Context, window time.Duration) ([]database.RecentAggregate, error)
	Rollups(ctx context.Context, date string) ([]database.HourlyRollup, error)
}

// ViewCache holds the most recent combined view for a short TTL.
type ViewCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves the HTTP routes of the serving layer.
type Handler struct {
	engine Engine
	cache  ViewCache
	hub    *Hub
	checks map[string]HealthCheck
	log    logrus.FieldLogger
}

// NewHandler builds the API. cache and hub may be nil.
func NewHandler(engine Engine, cache ViewCache, hub *Hub, log logrus.FieldLogger) *Handler {
	return &Handler{
		engine: engine,
		cache:  cache,
		hub:    hub,
		checks: make(map[string]HealthCheck),
		log:    log,
	}
}

// AddHealthCheck registers a dependency checked by /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Router wires every route.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(instrument)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/view", h.GetView).Methods("GET")
	api.HandleFunc("/peak-hours", h.GetPeakHours).Methods("GET")
	api.HandleFunc("/recent", h.GetRecent).Methods("GET")
	api.HandleFunc("/rollups", h.GetRollups).Methods("GET")
	if h.hub != nil {
		api.HandleFunc("/ws", h.hub.ServeWS).Methods("GET")
	}

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// View returns the combined view, served from the cache when a fresh copy
// exists. Error views are never cached.
func (h *Handler) View(ctx context.Context) (serving.View, bool) {
	if h.cache != nil {
		var cached serving.View
		hit, err := h.cache.GetJSON(ctx, viewCacheKey, &cached)
		if err != nil {
			h.log.WithError(err).Warn("view cache read failed")
		}
		if hit {
			return cached, true
		}
	}

	view := h.engine.CombinedView(ctx)
	if h.cache != nil && view.Origin != serving.OriginError {
		if err := h.cache.SetJSON(ctx, viewCacheKey, view); err != nil {
			h.log.WithError(err).Warn("view cache write failed")
		}
	}
	return view, false
}

// GetView handles GET /v1/view
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	view, hit := h.View(r.Context())
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	RespondJSON(w, http.StatusOK, view)
}

// GetPeakHours handles GET /v1/peak-hours
func (h *Handler) GetPeakHours(w http.ResponseWriter, r *http.Request) {
	summary, found, err := h.engine.LatestPeakHours(r.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to load peak hours")
		RespondError(w, http.StatusInternalServerError, "failed to load peak hours")
		return
	}
	if !found {
		RespondError(w, http.StatusNotFound, "no peak hour analysis available yet")
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}

// GetRecent handles GET /v1/recent?minutes=N
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	minutes := defaultRecentMins
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecentMins {
			RespondError(w, http.StatusBadRequest, "minutes must be an integer between 1 and 1440")
			return
		}
		minutes = n
	}

	aggregates, err := h.engine.RecentAggregates(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		h.log.WithError(err).Error("failed to load recent aggregates")
		RespondError(w, http.StatusInternalServerError, "failed to load recent aggregates")
		return
	}
	if aggregates == nil {
		aggregates = []database.RecentAggregate{}
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"window_minutes": minutes,
		"locations":      aggregates,
	})
}

// GetRollups handles GET /v1/rollups?date=YYYY-MM-DD
func (h *Handler) GetRollups(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(database.DateLayout, date); err != nil {
			RespondError(w, http.StatusBadRequest, "date must be formatted YYYY-MM-DD")
			return
		}
	}

	rollups, err := h.engine.Rollups(r.Context(), date)
	if err != nil {
		h.log.WithError(err).Error("failed to load hourly rollups")
		RespondError(w, http.StatusInternalServerError, "failed to load hourly rollups")
		return
	}
	if rollups == nil {
		rollups = []database.HourlyRollup{}
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"date":    date,
		"rollups": rollups,
	})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	deps := make(map[string]bool, len(h.checks))

	for name, check := range h.checks {
		ok := check(ctx) == nil
		deps[name] = ok
		if !ok {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now(),
	}
	if h.hub != nil {
		body["websocket"] = h.hub.Stats()
	}
	RespondJSON(w, httpStatus, body)
}

// instrument records request counts and latencies per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
