// Package http serves the operator API over the live case set.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/geofence"
	"fleet-monitor/correlation/internal/metrics"
)

// Closer records closure of upstream alerts. A case is removed from the
// store only after its alerts were closed.
type Closer interface {
	CloseAlerts(ctx context.Context, ids []string, closedBy string) (int64, error)
}

// Passes over a case whose alerts keep changing before close gives up with 409.
const maxCloseAttempts = 3

// Pinger reports the health of one backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	store    *cases.Store
	matcher  *geofence.Matcher
	tracking geofence.RoutePolicy
	closer   Closer
	hub      *Hub
	auth     *AuthMiddleware
	pingers  map[string]Pinger
	logger   *zap.Logger
}

type ServerOptions struct {
	Matcher  *geofence.Matcher
	Tracking geofence.RoutePolicy
	// Closer may be nil; closing a case then only removes it from memory.
	Closer Closer
	Hub    *Hub
	// Auth may be nil, leaving the API open.
	Auth    *AuthMiddleware
	Pingers map[string]Pinger
	Logger  *zap.Logger
}

func NewServer(store *cases.Store, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		store:    store,
		matcher:  opts.Matcher,
		tracking: opts.Tracking,
		closer:   opts.Closer,
		hub:      opts.Hub,
		auth:     opts.Auth,
		pingers:  opts.Pingers,
		logger:   opts.Logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Wrap)
		}
		route(r, http.MethodGet, "/cases", s.handleListCases)
		route(r, http.MethodGet, "/cases/{id}", s.handleGetCase)
		route(r, http.MethodPost, "/cases/{id}/ack", s.handleAckCase)
		route(r, http.MethodPost, "/cases/{id}/close", s.handleCloseCase)
		route(r, http.MethodGet, "/geofences/near", s.handleNear)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
	return r
}

func route(r chi.Router, method, pattern string, h http.HandlerFunc) {
	r.Method(method, pattern, instrument(method+" "+pattern, h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if s.matcher != nil {
		cache := s.matcher.Cache()
		status["geofences"] = cache.State().String()
		if polygons, routes, err := cache.Counts(); err == nil {
			status["polygons"] = strconv.Itoa(polygons)
			status["routes"] = strconv.Itoa(routes)
		}
	}
	status["cases"] = strconv.Itoa(s.store.Len())

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	onlyCritical := r.URL.Query().Get("critical") == "true"
	all := s.store.List()
	out := make([]domain.Case, 0, len(all))
	for _, c := range all {
		if onlyCritical && !c.Critical {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAckCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Acknowledge(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("case acknowledged",
		zap.String("case", c.ID),
		zap.String("operator", OperatorFrom(r.Context())),
	)
	writeJSON(w, http.StatusOK, c)
}

type closeResponse struct {
	Case         domain.Case `json:"case"`
	AlertsClosed int64       `json:"alertsClosed"`
}

func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	operator := OperatorFrom(r.Context())

	// Alerts can merge into the case while the upstream call is in flight.
	// The case is removed only at the version whose alerts were all
	// closed; newer alerts are closed on the next pass.
	var (
		closed       domain.Case
		closedAlerts int64
		done         = make(map[string]bool)
	)
	for attempt := 1; ; attempt++ {
		c, err := s.store.Get(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if c.State == domain.StateClosed {
			writeStoreError(w, cases.ErrInvalidTransition)
			return
		}

		var pending []string
		for _, alertID := range c.AlertIDs() {
			if !done[alertID] {
				pending = append(pending, alertID)
			}
		}
		if s.closer != nil && (len(pending) > 0 || attempt == 1) {
			n, err := s.closer.CloseAlerts(r.Context(), pending, operator)
			if err != nil {
				s.logger.Error("closing upstream alerts failed", zap.String("case", id), zap.Error(err))
				writeError(w, http.StatusBadGateway, "closing alerts failed")
				return
			}
			closedAlerts += n
		}
		for _, alertID := range pending {
			done[alertID] = true
		}

		closed, err = s.store.RemoveVersion(id, c.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, cases.ErrCaseChanged) || attempt == maxCloseAttempts {
			s.logger.Warn("case close abandoned",
				zap.String("case", id),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			writeStoreError(w, err)
			return
		}
	}
	s.logger.Info("case closed",
		zap.String("case", id),
		zap.String("operator", operator),
		zap.Int64("alerts_closed", closedAlerts),
	)
	writeJSON(w, http.StatusOK, closeResponse{Case: closed, AlertsClosed: closedAlerts})
}

type nearResponse struct {
	State    string                    `json:"state"`
	Polygons []domain.DetectedGeofence `json:"polygons"`
	Routes   []geofence.RouteMatch     `json:"routes"`
}

// handleNear answers live tracking lookups with the tracking route policy.
func (s *Server) handleNear(w http.ResponseWriter, r *http.Request) {
	if s.matcher == nil {
		writeError(w, http.StatusNotFound, "geofences not configured")
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required numbers")
		return
	}

	cache := s.matcher.Cache()
	if !cache.Loaded() {
		go func() {
			if err := cache.EnsureLoaded(context.Background()); err != nil {
				s.logger.Warn("geofence load from lookup failed", zap.Error(err))
			}
		}()
	}

	p := domain.Point{Lat: lat, Lon: lon}
	resp := nearResponse{
		State:    cache.State().String(),
		Polygons: s.matcher.PolygonsContaining(p),
		Routes:   s.matcher.RoutesNear(p, s.tracking),
	}
	if resp.Polygons == nil {
		resp.Polygons = []domain.DetectedGeofence{}
	}
	if resp.Routes == nil {
		resp.Routes = []geofence.RouteMatch{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cases.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, cases.ErrInvalidTransition), errors.Is(err, cases.ErrCaseChanged):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
