package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jewgo-app/core-platform/internal/database/health"
	"github.com/jewgo-app/core-platform/internal/version"
)

// Server holds the HTTP server dependencies and top-level routing.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	startedAt time.Time

	readyChecks []func(context.Context) error
}

// Config configures the top-level server.
type Config struct {
	CORSAllowedOrigins []string
}

// New creates an HTTP server with ambient middleware and health/metrics
// endpoints mounted. Callers mount domain routes on the returned Server
// before starting it.
func New(cfg Config, logger *slog.Logger, metricsReg *prometheus.Registry, agg aggregator, jwksHandler http.HandlerFunc, readyChecks ...func(context.Context) error) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Logger:      logger,
		Metrics:     metricsReg,
		startedAt:   time.Now(),
		readyChecks: readyChecks,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	if agg != nil {
		s.Router.Use(AggregatorMetrics(agg))
	}
	s.Router.Use(chimiddleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	if jwksHandler != nil {
		s.Router.Get("/.well-known/jwks.json", jwksHandler)
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, check := range s.readyChecks {
		if err := check(ctx); err != nil {
			s.Logger.Error("readiness check failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	CommitSHA     string `json:"commit_sha"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}
	for _, check := range s.readyChecks {
		if err := check(r.Context()); err != nil {
			resp.Status = "degraded"
			break
		}
	}
	Respond(w, http.StatusOK, resp)
}

// JWKSHandler renders any JSON-marshalable JWKS document (e.g.
// token.Manager.JWKS()) behind a short-lived cache-control header.
func JWKSHandler(logger *slog.Logger, jwks func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jwks()); err != nil {
			logger.Error("encoding jwks", "error", err)
		}
	}
}

// HealthReadyCheck adapts a *health.Monitor into a readiness check that
// fails once the rolling summary reports UNHEALTHY or CRITICAL.
func HealthReadyCheck(m *health.Monitor) func(context.Context) error {
	return func(_ context.Context) error {
		summary := m.Summary()
		if summary.LastStatus == health.StatusUnhealthy || summary.LastStatus == health.StatusCritical {
			return errUnhealthy
		}
		return nil
	}
}

var errUnhealthy = errors.New("database is unhealthy")
