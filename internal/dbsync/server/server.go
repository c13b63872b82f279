// Package server implements the synchronization protocol handlers: register,
// push, pull, repair and the optional query endpoint. Push and pull share a
// single-writer window so version assignment stays monotonic.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

// Server holds dependencies for the protocol handlers.
type Server struct {
	Store *store.Store

	// AdminSecret guards /repair and /query with HS256 bearer tokens when
	// set. Empty leaves them open, for trusted networks only.
	AdminSecret string

	// mu serializes pushes so version ids are assigned one batch at a time.
	// Pulls take a read view and may run concurrently.
	mu sync.Mutex
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, kind string, details ...string) {
	writeJSON(w, code, message.ErrorBody{Error: append([]string{kind}, details...)})
}

// Routes creates the HTTP router with all sync endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Head("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/register", s.Register)
	r.Post("/push", s.Push)
	r.Post("/pull", s.Pull)

	r.Group(func(r chi.Router) {
		r.Use(adminAuth(s.AdminSecret))
		r.Get("/repair", s.Repair)
		r.Get("/query", s.Query)
		r.Post("/trim", s.Trim)
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
