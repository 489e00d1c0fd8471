package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(s.logger),
	)

	r.Get("/healthz", s.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics", s.GetMetrics)
		r.Get("/calculators", s.ListCalculators)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.CreateJob)
			r.Get("/", s.ListJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.GetJob)
				r.Patch("/", s.UpdateJob)
				r.Delete("/", s.DeleteJob)
				r.Post("/start", s.control(func(r *http.Request, id string) (bool, error) {
					return s.controller.StartJob(r.Context(), id)
				}))
				r.Post("/pause", s.control(func(r *http.Request, id string) (bool, error) {
					return s.controller.PauseJob(r.Context(), id)
				}))
				r.Post("/resume", s.control(func(r *http.Request, id string) (bool, error) {
					return s.controller.ResumeJob(r.Context(), id)
				}))
				r.Post("/cancel", s.control(func(r *http.Request, id string) (bool, error) {
					return s.controller.CancelJob(r.Context(), id)
				}))
				r.Get("/export", s.ExportResults)
				r.Get("/ws", s.HandleWebSocket)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("api: request")
		})
	}
}
