/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/projects/*       Projects, WBEs, metrics, baselines, plans
  /api/wbes/*           WBE metrics, cost element creation
  /api/cost-elements/*  Schedules, records, metrics
  /api/baselines/*      Snapshot reads, comparison, cancellation
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/evm-engine/evm"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)
			r.Post("/import", h.ImportProject)
			r.Get("/{id}", h.GetProject)
			r.Post("/{id}/wbes", h.CreateWBE)
			r.Get("/{id}/metrics", h.Metrics(evm.LevelProject))
			r.Get("/{id}/tree", h.ProjectTree)
			r.Get("/{id}/baselines", h.ListBaselines)
			r.Post("/{id}/baselines", h.CreateBaseline)
			r.Get("/{id}/baseline-plans", h.ListBaselinePlans)
			r.Post("/{id}/baseline-plans", h.CreateBaselinePlan)
		})

		r.Route("/wbes", func(r chi.Router) {
			r.Post("/{id}/cost-elements", h.CreateCostElement)
			r.Get("/{id}/metrics", h.Metrics(evm.LevelWBE))
		})

		r.Route("/cost-elements", func(r chi.Router) {
			r.Put("/{id}/schedule", h.SetSchedule)
			r.Post("/{id}/progress", h.AppendProgress)
			r.Post("/{id}/costs", h.AppendCost)
			r.Post("/{id}/forecasts", h.AppendForecast)
			r.Get("/{id}/records", h.ListRecords)
			r.Get("/{id}/metrics", h.Metrics(evm.LevelCostElement))
		})

		r.Route("/baselines", func(r chi.Router) {
			r.Get("/{id}", h.GetBaseline)
			r.Post("/{id}/cancel", h.CancelBaseline)
			r.Get("/{id}/metrics", h.BaselineMetrics)
			r.Get("/{id}/compare", h.CompareBaseline)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				logger.Error("request", fields...)
			case ww.Status() >= http.StatusBadRequest:
				logger.Warn("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}
