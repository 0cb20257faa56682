// Package server exposes a small read-only HTTP surface for operators:
// watermarks, versions, jobs, dimension history, point-in-time lookups,
// and quality reports. All pipeline mutations stay on the CLI.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/quality"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
)

// Server wires the read-only endpoints.
type Server struct {
	store    store.Store
	versions *version.Registry
	resolver *dimension.Resolver
	gate     *quality.Gate
}

// New creates a Server.
func New(st store.Store, versions *version.Registry, resolver *dimension.Resolver, gate *quality.Gate) *Server {
	return &Server{store: st, versions: versions, resolver: resolver, gate: gate}
}

// Router builds the chi router with logging and CORS.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/watermarks", s.handleWatermarks)
		r.Get("/versions/{entityType}", s.handleVersions)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{jobID}", s.handleJob)
		r.Get("/dimensions/{entityType}/{naturalKey}/history", s.handleHistory)
		r.Get("/resolve", s.handleResolve)
		r.Get("/quality/{entityType}", s.handleQuality)
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	zap.L().Info("operator endpoint listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return eris.Wrap(err, "server: listen")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListWatermarks(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versions.List(r.Context(), chi.URLParam(r, "entityType"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), r.URL.Query().Get("entity_type"), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := s.store.ListFailedDocuments(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":              job,
		"failed_documents": failed,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.ListDimensionHistory(r.Context(),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "naturalKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := time.Parse("2006-01-02", q.Get("as_of"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "as_of must be YYYY-MM-DD"})
		return
	}
	rec, err := s.resolver.Resolve(r.Context(), q.Get("entity_type"), q.Get("natural_key"), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	results, err := s.gate.Evaluate(r.Context(), chi.URLParam(r, "entityType"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, store.ErrNotFound),
		eris.Is(err, dimension.ErrNoVersionForDate),
		eris.Is(err, version.ErrUnknownVersion),
		eris.Is(err, version.ErrNoProduction):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
