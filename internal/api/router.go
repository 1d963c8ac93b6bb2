package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter mounts the API, the metrics endpoint, and the socket handler
func NewRouter(a *API, socket http.Handler, gatherer prometheus.Gatherer, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(a.log), middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.HealthHandler)
	r.Get("/ws", socket.ServeHTTP)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Get("/rooms", a.ListRoomsHandler)
		r.Get("/rooms/{roomId}", a.GetRoomHandler)
		r.Get("/rooms/{roomId}/executions", a.ListExecutionsHandler)
		r.Get("/executions/{id}", a.GetExecutionHandler)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}
