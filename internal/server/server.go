// Package server exposes the forecasting service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/config"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/registry"
	"github.com/mendezjerick/riceforecast/internal/service"
)

type Server struct {
	svc      *service.Service
	log      *logrus.Logger
	cfg      config.ServerConfig
	limiter  *rate.Limiter
	clients  *clientLimiter // nil when per-client limits are off
	gatherer prometheus.Gatherer

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// New builds a server over svc. gatherer backs /metrics; nil uses the default gatherer.
func New(svc *service.Service, cfg config.ServerConfig, log *logrus.Logger, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		svc:      svc,
		log:      log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.TokenRate), cfg.TokenRate*2),
		gatherer: gatherer,
	}
	if cfg.ClientRate > 0 {
		s.clients = newClientLimiter(cfg.ClientRate)
	}
	s.metricsAuth.enabled = cfg.MetricsUser != ""
	s.metricsAuth.user = cfg.MetricsUser
	s.metricsAuth.password = cfg.MetricsPass
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.guard(s.handleForecast))
	mux.HandleFunc("/forecast", s.guard(s.handleForecast))
	mux.HandleFunc("/advisories", s.guard(s.handleAdvisories))
	mux.HandleFunc("/overview", s.guard(s.handleOverview))
	mux.HandleFunc("/models", s.guard(s.handleModels))
	mux.HandleFunc("/models/latest/metrics", s.guard(s.handleLatestMetrics))
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.cfg.Port).Info("Starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("Server stopped")
	return nil
}

// guard wraps GET handlers with CORS and rate limiting.
func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		// Rate limiting
		if !s.limiter.Allow() || (s.clients != nil && !s.clients.Allow(clientKey(r))) {
			s.svc.Metrics().RateLimited.Inc()
			w.Header().Set("Retry-After", "10")
			writeDetail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/forecast" {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}
	req, err := parseRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.svc.Forecast(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdvisories(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	step, err := queryInt(r, "step")
	if err != nil {
		s.writeError(w, err)
		return
	}
	n := 0
	if step != nil {
		n = *step
		if n < 1 {
			s.writeError(w, api.Errorf(api.ErrValidation, "step must be positive, got %d", n))
			return
		}
	}
	resp, err := s.svc.Advise(r.Context(), req, n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.svc.Overview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Models()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "models": entries})
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.LatestMetrics()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// parseRequest reads months (default 1), target_year and target_month.
func parseRequest(r *http.Request) (forecast.Request, error) {
	req := forecast.Request{Months: 1}
	months, err := queryInt(r, "months")
	if err != nil {
		return req, err
	}
	if months != nil {
		req.Months = *months
	}
	if req.TargetYear, err = queryInt(r, "target_year"); err != nil {
		return req, err
	}
	if req.TargetMonth, err = queryInt(r, "target_month"); err != nil {
		return req, err
	}
	return req, nil
}

func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, api.Errorf(api.ErrValidation, "%s must be an integer, got %q", name, raw)
	}
	return &v, nil
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrValidation), errors.Is(err, api.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNoArtifact):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	writeDetail(w, status, err.Error())
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
