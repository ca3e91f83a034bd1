// Package api serves the operator HTTP surface: panel state, alert history,
// stored series, chain verification, the education flow, an event stream
// and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gasguard/internal/alerts"
	"gasguard/internal/assets"
	"gasguard/internal/chain"
	"gasguard/internal/clock"
	"gasguard/internal/config"
	"gasguard/internal/detect"
	"gasguard/internal/events"
	"gasguard/internal/evidence"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/model"
	"gasguard/internal/normalize"
	"gasguard/internal/panel"
	"gasguard/internal/storage"
)

type Deps struct {
	Config   *config.Manager
	Registry *panel.Registry
	History  *alerts.Store
	Store    storage.Store
	Chain    *chain.Log
	Catalog  *assets.Catalog
	Saver    *evidence.Saver
	Detector *detect.Runner
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Ingest   http.Handler
	Clock    clock.Clock
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*evidence.Session
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Server{
		deps:     d,
		logger:   logging.OrDiscard(d.Logger).With("component", "api"),
		sessions: make(map[string]*evidence.Session),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)

	r.Get("/panels", s.handlePanels)
	r.Get("/panels/{key}", s.handlePanel)
	r.Get("/panels/{key}/validator", s.handlePanelValidator)
	r.Delete("/panels/{key}", s.handleClosePanel)
	r.Post("/panels/{key}/clear", s.handleClearPanel)

	r.Get("/alerts", s.handleAlerts)
	r.Get("/stats/{sid}/{sensor}", s.handleStats)
	r.Get("/series/{sid}/{sensor}", s.handleSeries)

	r.Get("/chain/verify", s.handleVerify)
	r.Get("/chain/records", s.handleRecords)

	r.Get("/posters", s.handlePosters)
	r.Get("/blueprints", s.handleBlueprints)
	r.Post("/captures/{sid}", s.handleCapture)

	r.Route("/education", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/{id}", s.handleSessionStatus)
		r.Delete("/{id}", s.handleDropSession)
		r.Post("/{id}/pages/{page}", s.handleViewPage)
		r.Post("/{id}/confirm", s.handleConfirm)
		r.Post("/{id}/frame", s.handleFrame)
		r.Post("/{id}/retake", s.handleRetake)
		r.Post("/{id}/signature", s.handleSignature)
		r.Delete("/{id}/signature", s.handleClearSignature)
		r.Post("/{id}/complete", s.handleComplete)
	})

	r.Get("/events", s.handleEvents)
	if s.deps.Metrics != nil && s.deps.Metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if s.deps.Ingest != nil {
		r.Post("/ingest", s.deps.Ingest.ServeHTTP)
	}
	return r
}

// Start serves the API until ctx is done.
func Start(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	logger = logging.OrDiscard(logger)
	if addr == "" {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", addr)
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status       string         `json:"status"`
	Time         string         `json:"time"`
	Version      string         `json:"version"`
	ConfigPath   string         `json:"config_path"`
	Panels       map[string]int `json:"panels"`
	WaitingSlot  bool           `json:"waiting_slot"`
	Store        bool           `json:"store"`
	Detector     bool           `json:"detector"`
	Licensed     bool           `json:"licensed"`
	ChainRecords int            `json:"chain_records"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:   "ok",
		Time:     s.deps.Clock.Now().UTC().Format(time.RFC3339Nano),
		Version:  s.deps.Version,
		Panels:   map[string]int{},
		Store:    s.deps.Store != nil,
		Detector: s.deps.Detector != nil && s.deps.Detector.Available(),
	}
	if s.deps.Config != nil {
		resp.ConfigPath = s.deps.Config.Path()
		resp.Licensed = s.deps.Config.Get().Admin.Licensed
	}
	if s.deps.Registry != nil {
		for status, n := range s.deps.Registry.Counts() {
			resp.Panels[string(status)] = n
		}
		resp.WaitingSlot = s.deps.Registry.WaitingSlot()
	}
	if s.deps.Chain != nil {
		if recs, err := s.deps.Chain.Records(); err == nil {
			resp.ChainRecords = len(recs)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePanels(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"panels":       list,
		"count":        len(list),
		"waiting_slot": s.deps.Registry.WaitingSlot(),
	})
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Registry.Get(panelKey(r))
	if !ok {
		writeError(w, http.StatusNotFound, panel.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePanelValidator(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Registry.Validator(panelKey(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": states})
}

func (s *Server) handleClosePanel(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Registry.Close(panelKey(r))
	switch {
	case errors.Is(err, panel.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, panel.ErrNotClosable):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *Server) handleClearPanel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.ClearAlerts(panelKey(r)); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("panel"); key != "" {
		list, err := s.deps.Registry.TodayAlerts(key)
		if errors.Is(err, panel.ErrNotFound) && s.deps.History != nil {
			// closed panels keep their history
			list, err = s.deps.History.ForPanel(key), nil
		}
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}, "count": 0})
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		ts, err := normalize.ParseTimestamp(v, s.location())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list := s.deps.History.Since(ts)
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}
	list := s.deps.History.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.seriesQuery(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Store.RangeStats(r.Context(), q)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sid": q.SID, "sensor": q.Sensor, "stats": stats})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	q, ok := s.seriesQuery(w, r)
	if !ok {
		return
	}
	points, err := s.deps.Store.RawSeries(r.Context(), q)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sid": q.SID, "sensor": q.Sensor, "points": points})
}

// seriesQuery reads ?peer=&start=&end=&bucket=. The range defaults to the
// last 24 hours; bucket is in seconds.
func (s *Server) seriesQuery(w http.ResponseWriter, r *http.Request) (storage.Query, bool) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrUnavailable)
		return storage.Query{}, false
	}
	sensor, err := sensorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return storage.Query{}, false
	}
	values := r.URL.Query()
	now := s.deps.Clock.Now()
	q := storage.Query{
		SID:    chi.URLParam(r, "sid"),
		PeerIP: values.Get("peer"),
		Sensor: sensor,
		Start:  now.Add(-24 * time.Hour),
		End:    now,
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &q.Start}, {"end", &q.End}} {
		if v := values.Get(p.name); v != "" {
			ts, err := normalize.ParseTimestamp(v, s.location())
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return storage.Query{}, false
			}
			*p.dst = ts
		}
	}
	if v := values.Get("bucket"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, errors.New("bucket must be a non-negative number of seconds"))
			return storage.Query{}, false
		}
		q.Bucket = time.Duration(secs * float64(time.Second))
	}
	return q, true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrUnavailable) {
		s.logger.Warn("store query failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Chain.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !rep.OK {
		s.logger.Warn("chain integrity break", "break", rep.Break.String())
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Chain.Records()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) handlePosters(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Catalog.Posters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []assets.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posters": list, "count": len(list)})
}

func (s *Server) handleBlueprints(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Catalog.Blueprints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blueprints": list, "count": len(list)})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	img, err := decodeBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := s.deps.Catalog.SaveCapture(chi.URLParam(r, "sid"), s.deps.Clock.Now().In(s.location()), img)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": path})
}

func (s *Server) location() *time.Location {
	if s.deps.Config == nil {
		return time.Local
	}
	loc, err := s.deps.Config.Get().Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func sensorParam(r *http.Request) (model.SensorKey, error) {
	raw := chi.URLParam(r, "sensor")
	key, ok := model.ParseSensorKey(raw)
	if !ok {
		return "", fmt.Errorf("unknown sensor %q", raw)
	}
	return key, nil
}

// panel keys may contain '#', which clients must escape in the path
func panelKey(r *http.Request) string {
	raw := chi.URLParam(r, "key")
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
